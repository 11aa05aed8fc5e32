package hostfuncs

import (
	"context"
	"fmt"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/sys"

	"github.com/jellevandenhooff/wasmsim/internal/simenv"
)

// DefaultModules are the import modules the catalogue is registered under.
// Current guests import from "gojs"; older ones used "go".
var DefaultModules = []string{"gojs", "go"}

// Instantiate registers the catalogue in r under each of modules, or under
// DefaultModules if none are given.
//
// A guest exit closes the calling module and surfaces from the guest call as
// a *sys.ExitError. Any other handler error, and any *gostack.Fault, is
// returned from the guest call wrapped.
func Instantiate(ctx context.Context, r wazero.Runtime, env *simenv.Env, modules ...string) error {
	if len(modules) == 0 {
		modules = DefaultModules
	}
	for _, name := range modules {
		builder := r.NewHostModuleBuilder(name)
		for _, imp := range Catalogue {
			builder.NewFunctionBuilder().
				WithGoModuleFunction(bind(env, imp.Func), []api.ValueType{api.ValueTypeI32}, nil).
				WithParameterNames("sp").
				Export(imp.Name)
		}
		if _, err := builder.Instantiate(ctx); err != nil {
			return fmt.Errorf("hostfuncs: instantiating %q: %w", name, err)
		}
	}
	return nil
}

func bind(env *simenv.Env, f Func) api.GoModuleFunc {
	return func(ctx context.Context, mod api.Module, stack []uint64) {
		err := f(env, api.DecodeU32(stack[0]))
		if err == nil {
			return
		}
		if code, ok := AsExit(err); ok {
			_ = mod.CloseWithExitCode(ctx, code)
			panic(sys.NewExitError(code))
		}
		panic(err)
	}
}
