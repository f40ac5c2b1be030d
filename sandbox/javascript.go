package sandbox

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/dop251/goja"
)

// resultProbe reads the result binding whether it was declared with var,
// let or const, or assigned implicitly.
const resultProbe = "(typeof result === 'undefined') ? undefined : result"

// JavaScriptEnv runs scripts in a fresh goja runtime per execution.
type JavaScriptEnv struct{}

var _ Environment = (*JavaScriptEnv)(nil)

// NewJavaScriptEnv creates the JavaScript environment.
func NewJavaScriptEnv() *JavaScriptEnv {
	return &JavaScriptEnv{}
}

// Run executes req.Code and returns the exported result binding.
func (e *JavaScriptEnv) Run(ctx context.Context, req Request, mods *Modules) (any, bool, error) {
	vm := goja.New()
	vm.SetFieldNameMapper(goja.TagFieldNameMapper("json", true))

	if err := detachFunctionConstructor(vm); err != nil {
		return nil, false, err
	}
	for _, name := range blockedNames {
		if err := vm.Set(name, goja.Undefined()); err != nil {
			return nil, false, err
		}
	}
	if err := e.installModules(ctx, vm, mods); err != nil {
		return nil, false, err
	}
	for name, value := range req.Bindings {
		if err := vm.Set(name, value); err != nil {
			return nil, false, fmt.Errorf("failed to bind %s: %w", name, err)
		}
	}

	stop := context.AfterFunc(ctx, func() {
		vm.Interrupt(ctx.Err())
	})
	defer stop()

	if _, err := vm.RunString(req.Code); err != nil {
		return nil, false, jsError(ctx, err)
	}

	val, err := vm.RunString(resultProbe)
	if err != nil {
		return nil, false, jsError(ctx, err)
	}
	if val == nil || goja.IsUndefined(val) {
		return nil, false, nil
	}
	return val.Export(), true, nil
}

func (e *JavaScriptEnv) installModules(ctx context.Context, vm *goja.Runtime, mods *Modules) error {
	throw := func(err error) {
		panic(vm.NewGoError(err))
	}

	if err := vm.Set("print", func(call goja.FunctionCall) goja.Value {
		args := make([]any, len(call.Arguments))
		for i, a := range call.Arguments {
			args[i] = a.Export()
		}
		mods.Print(args...)
		return goja.Undefined()
	}); err != nil {
		return err
	}

	logObj := vm.NewObject()
	for _, level := range []string{"debug", "info", "warn", "error"} {
		lvl := level
		_ = logObj.Set(lvl, func(call goja.FunctionCall) goja.Value {
			mods.Log(lvl, call.Argument(0).String())
			return goja.Undefined()
		})
	}
	if err := vm.Set(BindingLogger, logObj); err != nil {
		return err
	}

	jsonObj := vm.NewObject()
	_ = jsonObj.Set("encode", func(call goja.FunctionCall) goja.Value {
		s, err := mods.JSONEncode(exportArg(call.Argument(0)))
		if err != nil {
			throw(err)
		}
		return vm.ToValue(s)
	})
	_ = jsonObj.Set("decode", func(call goja.FunctionCall) goja.Value {
		v, err := mods.JSONDecode(call.Argument(0).String())
		if err != nil {
			throw(err)
		}
		return vm.ToValue(v)
	})
	if err := vm.Set("json", jsonObj); err != nil {
		return err
	}

	timeObj := vm.NewObject()
	_ = timeObj.Set("now", func(goja.FunctionCall) goja.Value {
		return vm.ToValue(mods.TimeNow())
	})
	_ = timeObj.Set("unix", func(goja.FunctionCall) goja.Value {
		return vm.ToValue(mods.TimeUnix())
	})
	_ = timeObj.Set("parse", func(call goja.FunctionCall) goja.Value {
		s, err := mods.TimeParse(call.Argument(0).String())
		if err != nil {
			throw(err)
		}
		return vm.ToValue(s)
	})
	if err := vm.Set("time", timeObj); err != nil {
		return err
	}

	reObj := vm.NewObject()
	_ = reObj.Set("match", func(call goja.FunctionCall) goja.Value {
		ok, err := mods.ReMatch(call.Argument(0).String(), call.Argument(1).String())
		if err != nil {
			throw(err)
		}
		return vm.ToValue(ok)
	})
	_ = reObj.Set("search", func(call goja.FunctionCall) goja.Value {
		groups, err := mods.ReSearch(call.Argument(0).String(), call.Argument(1).String())
		if err != nil {
			throw(err)
		}
		if groups == nil {
			return goja.Null()
		}
		return vm.ToValue(groups)
	})
	_ = reObj.Set("findall", func(call goja.FunctionCall) goja.Value {
		found, err := mods.ReFindAll(call.Argument(0).String(), call.Argument(1).String())
		if err != nil {
			throw(err)
		}
		return vm.ToValue(found)
	})
	_ = reObj.Set("sub", func(call goja.FunctionCall) goja.Value {
		out, err := mods.ReSub(
			call.Argument(0).String(), call.Argument(1).String(), call.Argument(2).String(),
		)
		if err != nil {
			throw(err)
		}
		return vm.ToValue(out)
	})
	if err := vm.Set("re", reObj); err != nil {
		return err
	}

	if !mods.NetworkEnabled() {
		return nil
	}

	httpObj := vm.NewObject()
	for _, method := range []string{http.MethodGet, http.MethodPost, http.MethodPut} {
		m := method
		_ = httpObj.Set(strings.ToLower(m), func(call goja.FunctionCall) goja.Value {
			var body any
			headers := call.Argument(1)
			if m != http.MethodGet {
				body = exportArg(call.Argument(1))
				headers = call.Argument(2)
			}
			resp, err := mods.HTTP(ctx, m, call.Argument(0).String(), body,
				toStringMap(exportArg(headers)))
			if err != nil {
				throw(err)
			}
			return vm.ToValue(resp)
		})
	}
	return vm.Set("http", httpObj)
}

// detachFunctionConstructor removes the constructor property every function
// inherits, which would otherwise reach Function through any literal.
func detachFunctionConstructor(vm *goja.Runtime) error {
	proto := vm.Get("Function").ToObject(vm).Get("prototype").ToObject(vm)
	return proto.DefineDataProperty("constructor", goja.Undefined(),
		goja.FLAG_FALSE, goja.FLAG_FALSE, goja.FLAG_FALSE)
}

func exportArg(v goja.Value) any {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return nil
	}
	return v.Export()
}

func jsError(ctx context.Context, err error) error {
	var interrupted *goja.InterruptedError
	if errors.As(err, &interrupted) {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return ErrScriptTimeout
		}
		return fmt.Errorf("script interrupted: %v", ctx.Err())
	}
	var exc *goja.Exception
	if errors.As(err, &exc) {
		return errors.New(exc.Value().String())
	}
	return err
}
