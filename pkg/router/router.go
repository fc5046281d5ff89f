package router

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"

	"github.com/go-chi/chi/v5"
)

// HandlerFunc handles a request or returns an error without writing to w.
// The router turns the error into a JSON response.
type HandlerFunc func(http.ResponseWriter, *http.Request) error

// Middleware wraps a handler in one that may reject the request with an error.
type Middleware func(http.Handler) HandlerFunc

// ErrorMapper converts an error into a response, or returns nil to pass.
type ErrorMapper func(error) Error

type matcher struct {
	target error
	mapTo  ErrorMapper
}

// errorPolicy is shared by a router and every sub router derived from it.
type errorPolicy struct {
	matchers []matcher
	fallback ErrorMapper
	internal Error
	logger   *slog.Logger
}

func (p *errorPolicy) resolve(err error) Error {
	var se StatusError
	if errors.As(err, &se) {
		return se
	}
	for _, m := range p.matchers {
		if errors.Is(err, m.target) {
			return m.mapTo(err)
		}
	}
	if p.fallback != nil {
		if e := p.fallback(err); e != nil {
			return e
		}
	}
	return p.internal
}

func (p *errorPolicy) write(w http.ResponseWriter, r *http.Request, err error) {
	res := p.resolve(err)
	level := slog.LevelDebug
	if res.StatusCode() >= http.StatusInternalServerError {
		level = slog.LevelError
	}
	p.logger.Log(r.Context(), level, err.Error(),
		slog.String("method", r.Method), slog.String("path", r.URL.Path), slog.Int("status", res.StatusCode()))

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(res.StatusCode())
	_ = json.NewEncoder(w).Encode(res)
}

// Router is a chi router whose handlers return errors.
type Router struct {
	chi.Router
	policy *errorPolicy
}

type RouterOption func(*errorPolicy)

func WithLogger(logger *slog.Logger) RouterOption {
	return func(p *errorPolicy) { p.logger = logger }
}

// WithDefaultError replaces the response for errors nothing maps.
func WithDefaultError(err Error) RouterOption {
	return func(p *errorPolicy) { p.internal = err }
}

// WithErrorMapper sets the mapper consulted after the registered ones.
func WithErrorMapper(fn ErrorMapper) RouterOption {
	return func(p *errorPolicy) { p.fallback = fn }
}

func New(opts ...RouterOption) *Router {
	p := &errorPolicy{
		internal: ErrInternal,
		logger:   slog.New(slog.NewTextHandler(os.Stderr, nil)),
	}
	for _, opt := range opts {
		opt(p)
	}
	return &Router{Router: chi.NewRouter(), policy: p}
}

// RegisterErrorMapper maps errors matching target, by errors.Is, with fn.
// Registered mappers are tried in order.
func (rt *Router) RegisterErrorMapper(target error, fn ErrorMapper) {
	rt.policy.matchers = append(rt.policy.matchers, matcher{target: target, mapTo: fn})
}

func (rt *Router) mapError(err error) Error {
	return rt.policy.resolve(err)
}

func (rt *Router) sub(r chi.Router) *Router {
	return &Router{Router: r, policy: rt.policy}
}

func (rt *Router) adapt(h HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := h(w, r); err != nil {
			rt.policy.write(w, r, err)
		}
	}
}

func (rt *Router) wrap(m Middleware) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return rt.adapt(m(next))
	}
}

func (rt *Router) Get(path string, h HandlerFunc)    { rt.Router.Get(path, rt.adapt(h)) }
func (rt *Router) Post(path string, h HandlerFunc)   { rt.Router.Post(path, rt.adapt(h)) }
func (rt *Router) Put(path string, h HandlerFunc)    { rt.Router.Put(path, rt.adapt(h)) }
func (rt *Router) Patch(path string, h HandlerFunc)  { rt.Router.Patch(path, rt.adapt(h)) }
func (rt *Router) Delete(path string, h HandlerFunc) { rt.Router.Delete(path, rt.adapt(h)) }

func (rt *Router) Route(path string, fn func(*Router)) {
	rt.Router.Route(path, func(r chi.Router) { fn(rt.sub(r)) })
}

func (rt *Router) Group(fn func(*Router)) *Router {
	return rt.sub(rt.Router.Group(func(r chi.Router) { fn(rt.sub(r)) }))
}

func (rt *Router) Use(m Middleware) {
	rt.Router.Use(rt.wrap(m))
}

func (rt *Router) With(m Middleware) *Router {
	return rt.sub(rt.Router.With(rt.wrap(m)))
}
