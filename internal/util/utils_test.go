package util

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

type sample struct {
	Name string `json:"name"`
}

func TestDecodeJSONBody_EmptyRequest(t *testing.T) {
	r := httptest.NewRequest("POST", "/", strings.NewReader("  "))
	got, err := DecodeJSONBody[sample](r)
	if err != nil {
		t.Fatalf("Expected no error for an empty body, got %v", err)
	}
	if got.Name != "" {
		t.Errorf("Expected zero value, got %+v", got)
	}
}

func TestDecodeJSONBodyResponse(t *testing.T) {
	w := httptest.NewRecorder()
	WriteJSONResponse(w, http.StatusCreated, sample{Name: "blog"})
	got, err := DecodeJSONBodyResponse[sample](w.Result())
	if err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if got.Name != "blog" {
		t.Errorf("Expected name blog, got %q", got.Name)
	}
}

func TestDecodeJSONBodyResponse_Empty(t *testing.T) {
	w := httptest.NewRecorder()
	w.WriteHeader(http.StatusBadGateway)
	_, err := DecodeJSONBodyResponse[sample](w.Result())
	if !errors.Is(err, errEmptyBody) {
		t.Fatalf("Expected empty body error, got %v", err)
	}
	if !strings.Contains(err.Error(), "status 502") {
		t.Errorf("Expected the status in the error, got %q", err.Error())
	}
}

func TestDecodeJSONBodyResponse_NotJSON(t *testing.T) {
	w := httptest.NewRecorder()
	http.Error(w, "Internal Server Error", http.StatusInternalServerError)
	if _, err := DecodeJSONBodyResponse[sample](w.Result()); err == nil {
		t.Fatal("Expected an error for a plain text body")
	}
}
