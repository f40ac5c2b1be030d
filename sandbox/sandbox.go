// Package sandbox runs operator-supplied inline scripts inside a restricted
// runtime. Scripts are pre-scanned against a deny-list, then executed in a
// fresh interpreter whose namespace only exposes the safe modules and the
// bindings supplied by the call site.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/viperbmw/netstacks-sub000/types"
)

// Script languages.
const (
	LangJavaScript = "javascript"
	LangLua        = "lua"
)

// Well-known binding and namespace names.
const (
	ResultVar      = "result"
	BindingContext = "context"
	BindingStep    = "step"
	BindingParams  = "params"
	BindingLogger  = "logger"

	DefaultMessage = "executed"
	DefaultTimeout = 30 * time.Second
)

var (
	ErrSecurityValidation  = errors.New("security validation failed")
	ErrUnsupportedLanguage = errors.New("unsupported script language")
	ErrEmptyScript         = errors.New("no script provided")
	ErrScriptTimeout       = errors.New("script execution timed out")
)

// blockedNames are bound to an unusable value in every runtime so that a
// lookup fails even if the deny-list scan were bypassed.
var blockedNames = [...]string{
	"eval", "exec", "compile", "open", "input", "globals", "locals",
	"vars", "dir", "getattr", "setattr", "delattr", "breakpoint",
	"Function", "require", "importScripts", "process",
}

type (
	// Request describes one script execution.
	Request struct {
		Code         string
		Language     string
		AllowNetwork bool
		Bindings     map[string]any
		Logger       *zap.Logger
	}

	// Environment is a script runtime. Run returns the value bound to
	// ResultVar and whether it was set at all.
	Environment interface {
		Run(ctx context.Context, req Request, mods *Modules) (any, bool, error)
	}

	// Executor validates and dispatches scripts to a language environment.
	Executor struct {
		envs       map[string]Environment
		httpClient *http.Client
		timeout    time.Duration
	}

	// Option configures an Executor.
	Option func(*Executor)
)

// WithTimeout bounds a single script execution.
func WithTimeout(d time.Duration) Option {
	return func(e *Executor) {
		if d > 0 {
			e.timeout = d
		}
	}
}

// WithHTTPClient sets the client backing the http module.
func WithHTTPClient(c *http.Client) Option {
	return func(e *Executor) {
		if c != nil {
			e.httpClient = c
		}
	}
}

// WithEnvironment registers or replaces the environment for a language.
func WithEnvironment(language string, env Environment) Option {
	return func(e *Executor) {
		e.envs[language] = env
	}
}

// NewExecutor creates an Executor with the JavaScript and Lua environments.
func NewExecutor(options ...Option) *Executor {
	e := &Executor{
		envs: map[string]Environment{
			LangJavaScript: NewJavaScriptEnv(),
			LangLua:        NewLuaEnv(),
		},
		httpClient: &http.Client{Timeout: DefaultTimeout},
		timeout:    DefaultTimeout,
	}
	for _, option := range options {
		option(e)
	}
	return e
}

// Execute runs req and converts the outcome to a StepResult. It never
// returns an error: refusals and exceptions become failed results.
func (e *Executor) Execute(ctx context.Context, req Request) types.StepResult {
	if strings.TrimSpace(req.Code) == "" {
		return types.Failure(ErrEmptyScript.Error())
	}
	if err := Validate(req.Code); err != nil {
		return types.Failure(err.Error())
	}

	lang := normalizeLanguage(req.Language)
	env, ok := e.envs[lang]
	if !ok {
		return types.Failure(fmt.Errorf("%w: %s", ErrUnsupportedLanguage, req.Language).Error())
	}

	if req.Logger == nil {
		req.Logger = zap.NewNop()
	}

	runCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	mods := newModules(req.Logger, e.httpClient, req.AllowNetwork)
	value, found, err := env.Run(runCtx, req, mods)
	if err != nil {
		return types.Failure(err.Error())
	}
	return ToStepResult(value, found)
}

// ToStepResult applies the result contract: a map carrying "status" is used
// verbatim, any other value is wrapped as data, and an unset result yields
// the default success.
func ToStepResult(value any, found bool) types.StepResult {
	if !found {
		return types.Success(DefaultMessage, nil)
	}
	m, ok := value.(map[string]any)
	if !ok {
		return types.StepResult{Status: types.StatusSuccess, Data: value}
	}
	status, ok := m["status"]
	if !ok {
		return types.StepResult{Status: types.StatusSuccess, Data: value}
	}
	res := types.StepResult{
		Status:  fmt.Sprint(status),
		Data:    m["data"],
		Details: m["details"],
	}
	if msg, ok := m["message"]; ok && msg != nil {
		res.Message = fmt.Sprint(msg)
	}
	if e, ok := m["error"]; ok && e != nil {
		res.Error = fmt.Sprint(e)
	}
	return res
}

func normalizeLanguage(lang string) string {
	switch strings.ToLower(strings.TrimSpace(lang)) {
	case "", "js", LangJavaScript:
		return LangJavaScript
	default:
		return strings.ToLower(strings.TrimSpace(lang))
	}
}
