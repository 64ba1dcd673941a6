package pagination

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/labstack/echo/v4"
)

func paramsFor(t *testing.T, target string) Params {
	t.Helper()
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	return FromContext(e.NewContext(req, httptest.NewRecorder()))
}

func TestFromContext(t *testing.T) {
	tests := []struct {
		name   string
		target string
		want   Params
	}{
		{"defaults", "/", Params{Limit: DefaultLimit}},
		{"custom", "/?limit=50&offset=10", Params{Limit: 50, Offset: 10}},
		{"limit capped", "/?limit=500", Params{Limit: MaxLimit}},
		{"negative offset", "/?offset=-5", Params{Limit: DefaultLimit}},
		{"garbage", "/?limit=abc&offset=xyz", Params{Limit: DefaultLimit}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := paramsFor(t, tt.target); got != tt.want {
				t.Errorf("FromContext(%q) = %+v, want %+v", tt.target, got, tt.want)
			}
		})
	}
}

func TestParams_HasNext(t *testing.T) {
	tests := []struct {
		name   string
		params Params
		total  int
		want   bool
	}{
		{"more results", Params{Limit: 10, Offset: 0}, 25, true},
		{"exact end", Params{Limit: 10, Offset: 15}, 25, false},
		{"past end", Params{Limit: 10, Offset: 30}, 25, false},
		{"no results", Params{Limit: 10, Offset: 0}, 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.params.HasNext(tt.total); got != tt.want {
				t.Errorf("HasNext() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestNewResponse_WithNext(t *testing.T) {
	r := NewResponse([]string{"a", "b"}, 5, Params{Limit: 2, Offset: 0}).
		WithNext("/api/v1/admin/verifications", url.Values{"status": {"manual_review"}, "offset": {"0"}})

	if !r.HasMore {
		t.Fatal("expected has_more")
	}
	want := "/api/v1/admin/verifications?limit=2&offset=2&status=manual_review"
	if r.Next != want {
		t.Errorf("next = %q, want %q", r.Next, want)
	}

	last := NewResponse(nil, 5, Params{Limit: 2, Offset: 4}).WithNext("/x", nil)
	if last.HasMore || last.Next != "" {
		t.Errorf("last page should have no next link, got %+v", last)
	}
}
