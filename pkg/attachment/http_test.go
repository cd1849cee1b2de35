package attachment

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/docflow-ai/platform/pkg/workflow"
	"github.com/gorilla/mux"
)

func serveRouter(signer *workflow.TokenSigner) *mux.Router {
	handler := NewHandler(nil, NewDiskStore("storage"), signer, nil, nil)
	router := mux.NewRouter()
	router.HandleFunc("/files/{id}/serve", handler.handleServe).Methods(http.MethodGet)
	return router
}

func TestServeRejectsMissingToken(t *testing.T) {
	router := serveRouter(workflow.NewTokenSigner("secret", time.Hour))

	req := httptest.NewRequest(http.MethodGet, "/files/10/serve", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rec.Code)
	}
}

func TestServeRejectsForeignToken(t *testing.T) {
	signer := workflow.NewTokenSigner("secret", time.Hour)
	router := serveRouter(signer)

	// Token issued for attachment 99, used against attachment 10.
	token, err := signer.GenerateFileAccessToken(1, 99)
	if err != nil {
		t.Fatal(err)
	}

	req := httptest.NewRequest(http.MethodGet, "/files/10/serve?token="+token, nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Errorf("status = %d, want 403", rec.Code)
	}
}

func TestServeRejectsCrossSecretToken(t *testing.T) {
	router := serveRouter(workflow.NewTokenSigner("secret", time.Hour))

	other := workflow.NewTokenSigner("other-secret", time.Hour)
	token, err := other.GenerateFileAccessToken(1, 10)
	if err != nil {
		t.Fatal(err)
	}

	req := httptest.NewRequest(http.MethodGet, "/files/10/serve?token="+token, nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rec.Code)
	}
}
