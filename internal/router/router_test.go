package router

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRouterDispatchesByMethod(t *testing.T) {
	r := New()
	r.Get("/bookings/{id}", func(w http.ResponseWriter, req *http.Request) {
		w.Write([]byte(req.PathValue("id")))
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/bookings/b-42", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "b-42", w.Body.String())

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/bookings/b-42", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestRouterMiddlewareRunsInDeclarationOrder(t *testing.T) {
	var order []string
	tag := func(name string) Middleware {
		return func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
				order = append(order, "pre:"+name)
				next.ServeHTTP(w, req)
				order = append(order, "post:"+name)
			})
		}
	}

	r := New(tag("global"))
	r.Get("/x", func(w http.ResponseWriter, req *http.Request) {
		order = append(order, "handler")
	}, tag("route"))

	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/x", nil))

	require.Equal(t, []string{"pre:global", "pre:route", "handler", "post:route", "post:global"}, order)
}

func TestRouterGroupInheritsChain(t *testing.T) {
	var seen []string
	tag := func(name string) Middleware {
		return func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
				seen = append(seen, name)
				next.ServeHTTP(w, req)
			})
		}
	}

	r := New(tag("global"))
	admin := r.Group(tag("admin"))
	admin.Get("/admin/ping", func(w http.ResponseWriter, req *http.Request) {})

	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/admin/ping", nil))
	assert.Equal(t, []string{"global", "admin"}, seen)
}
