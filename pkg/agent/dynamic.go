package agent

import (
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"plugin"
	"strings"
	"sync"

	"github.com/cuemby/fleetrun/pkg/rdiff"
)

// DynamicAgent extends Agent with SyncStack-driven code delivery:
// identifiers of the form "module:function" are resolved by loading a Go
// plugin built under rootPath, the directory a SyncStack layer patches into
// place, instead of requiring the function to be compiled into the agent
// binary ahead of time.
//
// Go's plugin package is the closest analogue to a runtime "import
// module_name": plugin.Open loads a .so built with `go build
// -buildmode=plugin` and plugin.Lookup resolves an exported symbol from it.
type DynamicAgent struct {
	*Agent

	rootPath string

	moduleMu sync.Mutex
	modules  map[string]*plugin.Plugin
}

// NewDynamicAgent builds a DynamicAgent rooted at rootPath, the directory a
// SyncStack keeps synchronized onto this worker.
func NewDynamicAgent(rootPath string) *DynamicAgent {
	da := &DynamicAgent{
		Agent:    New(),
		rootPath: rootPath,
		modules:  make(map[string]*plugin.Plugin),
	}
	da.resolveExtra = da.resolveDynamic
	da.registerDynamicAdmin()
	return da
}

// resolveDynamic implements Agent.resolveExtra: split "module:function",
// load (or reuse) the module's plugin, and look the function symbol up.
func (da *DynamicAgent) resolveDynamic(identifier string) (CallableFunc, error) {
	moduleName, funcName, ok := splitIdentifier(identifier)
	if !ok {
		return nil, fmt.Errorf("agent: malformed dynamic identifier %q, want \"module:function\"", identifier)
	}

	da.moduleMu.Lock()
	p, ok := da.modules[moduleName]
	if !ok {
		var err error
		p, err = plugin.Open(filepath.Join(da.rootPath, moduleName+".so"))
		if err != nil {
			da.moduleMu.Unlock()
			return nil, fmt.Errorf("agent: load module %q: %w", moduleName, err)
		}
		da.modules[moduleName] = p
	}
	da.moduleMu.Unlock()

	sym, err := p.Lookup(funcName)
	if err != nil {
		return nil, fmt.Errorf("agent: resolve %q in module %q: %w", funcName, moduleName, err)
	}

	fn, ok := sym.(func(context.Context, map[string]any) (any, error))
	if !ok {
		if fnPtr, ok2 := sym.(*CallableFunc); ok2 {
			fn = *fnPtr
		} else {
			return nil, fmt.Errorf("agent: symbol %q in module %q is not a CallableFunc", funcName, moduleName)
		}
	}

	// Cache under the full identifier so the next call skips symbol lookup
	// entirely, the same speedup the static Agent gets from Register.
	da.Register(identifier, fn)
	return fn, nil
}

func splitIdentifier(identifier string) (module, name string, ok bool) {
	idx := strings.Index(identifier, ":")
	if idx < 0 {
		return "", "", false
	}
	return identifier[:idx], identifier[idx+1:], true
}

func (da *DynamicAgent) registerDynamicAdmin() {
	da.Register("_adm_dir_signature", da.admDirSignature)
	da.Register("_adm_dir_patch", da.admDirPatch)
	da.Register("_adm_clean_cache", da.admCleanCache)
}

// admDirSignature computes an rdiff signature for rootPath/subpath, creating
// it first (as a file or directory per is_dir) if it doesn't yet exist, to
// support the first-sync case where the worker has nothing to diff against
//.
func (da *DynamicAgent) admDirSignature(_ context.Context, kwargs map[string]any) (any, error) {
	subpath, _ := kwargs["subpath"].(string)
	isDir, _ := kwargs["is_dir"].(bool)
	full := filepath.Join(da.rootPath, subpath)

	if _, err := os.Stat(full); os.IsNotExist(err) {
		if isDir {
			if err := os.MkdirAll(full, 0o755); err != nil {
				return nil, fmt.Errorf("agent: create dir %q: %w", full, err)
			}
		} else {
			if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
				return nil, fmt.Errorf("agent: create parent of %q: %w", full, err)
			}
			f, err := os.Create(full)
			if err != nil {
				return nil, fmt.Errorf("agent: create %q: %w", full, err)
			}
			f.Close()
		}
		da.logger.Debug().Str("path", full).Bool("is_dir", isDir).Msg("created missing path before signing")
	}

	sig, err := rdiff.Signature(full)
	if err != nil {
		return nil, fmt.Errorf("agent: signature %q: %w", full, err)
	}
	return rdiff.Compress(sig)
}

// admDirPatch applies a compressed delta to rootPath/subpath.
func (da *DynamicAgent) admDirPatch(_ context.Context, kwargs map[string]any) (any, error) {
	subpath, _ := kwargs["subpath"].(string)
	deltaBytes, err := decodeBytes(kwargs["delta"])
	if err != nil {
		return nil, err
	}

	delta, err := rdiff.Decompress(deltaBytes)
	if err != nil {
		return nil, fmt.Errorf("agent: decompress delta for %q: %w", subpath, err)
	}

	full := filepath.Join(da.rootPath, subpath)
	if err := rdiff.Patch(full, delta); err != nil {
		return nil, fmt.Errorf("agent: patch %q: %w", full, err)
	}
	return true, nil
}

// admCleanCache clears the cached plugin handles and every registered
// identifier, then re-registers the admin identifiers, so a later
// resolveDynamic call reopens modules from disk.
//
// This does not force already-opened .so files to reload: the plugin
// package caches loaded plugins by absolute path for the lifetime of the
// process and has no unload primitive, so a module patched in place after
// it has already been resolved once keeps serving the old symbols until the
// agent process itself restarts. Operators relying on repeated hot patches
// of the same module within one agent lifetime need to route dir_patch
// through a fresh path (e.g. a content-addressed module filename) to see
// the new code without a restart.
func (da *DynamicAgent) admCleanCache(_ context.Context, _ map[string]any) (any, error) {
	da.moduleMu.Lock()
	da.modules = make(map[string]*plugin.Plugin)
	da.moduleMu.Unlock()

	da.mu.Lock()
	da.functions = make(map[string]CallableFunc)
	da.mu.Unlock()

	da.registerAdmin()
	da.registerDynamicAdmin()
	return true, nil
}

func decodeBytes(v any) ([]byte, error) {
	switch t := v.(type) {
	case []byte:
		return t, nil
	case string:
		b, err := base64.StdEncoding.DecodeString(t)
		if err != nil {
			return nil, fmt.Errorf("agent: decode base64 payload: %w", err)
		}
		return b, nil
	default:
		return nil, fmt.Errorf("agent: expected byte payload, got %T", v)
	}
}
