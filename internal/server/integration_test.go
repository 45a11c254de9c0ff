package server_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/dealroom/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/dealroom/backend/internal/autosave"
	"github.com/MarcoPoloResearchLab/dealroom/backend/internal/database"
	"github.com/MarcoPoloResearchLab/dealroom/backend/internal/dealroom"
	"github.com/MarcoPoloResearchLab/dealroom/backend/internal/server"
	"github.com/MarcoPoloResearchLab/dealroom/backend/internal/users"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

const (
	integrationSecret  = "integration-secret"
	integrationCookie  = "app_session"
	integrationIssuer  = "tauth"
	integrationProject = "project-integration"
)

type noopTimer struct{}

func (noopTimer) Stop() bool { return true }

func manualAfterFunc(time.Duration, func()) autosave.Timer { return noopTimer{} }

func TestEditingSessionsConflictAndResolveOverHTTP(testContext *testing.T) {
	gin.SetMode(gin.TestMode)

	db, err := database.OpenSQLite(filepath.Join(testContext.TempDir(), "integration.db"), zap.NewNop())
	if err != nil {
		testContext.Fatalf("failed to open database: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		testContext.Fatalf("failed to access sql db: %v", err)
	}
	defer sqlDB.Close()

	dealRooms, err := dealroom.NewService(dealroom.ServiceConfig{
		Stores:     dealroom.NewGormStores(db),
		IDProvider: dealroom.NewUUIDProvider(),
		Logger:     zap.NewNop(),
	})
	if err != nil {
		testContext.Fatalf("failed to build deal room service: %v", err)
	}
	userService, err := users.NewService(users.ServiceConfig{Database: db, Logger: zap.NewNop()})
	if err != nil {
		testContext.Fatalf("failed to build user service: %v", err)
	}
	sessionValidator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(integrationSecret),
		Issuer:        integrationIssuer,
		CookieName:    integrationCookie,
	})
	if err != nil {
		testContext.Fatalf("failed to construct session validator: %v", err)
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		SessionValidator: sessionValidator,
		UserResolver:     userService,
		DealRooms:        dealRooms,
		Logger:           zap.NewNop(),
	})
	if err != nil {
		testContext.Fatalf("failed to build handler: %v", err)
	}
	testServer := httptest.NewServer(handler)
	defer testServer.Close()

	newController := func(sessionID dealroom.SessionID, userID string) *autosave.Controller {
		backend, err := autosave.NewHTTPBackend(autosave.HTTPBackendConfig{
			BaseURL: testServer.URL,
			Token:   mustMintToken(testContext, userID),
		})
		if err != nil {
			testContext.Fatalf("failed to build http backend: %v", err)
		}
		controller, err := autosave.NewController(autosave.Config{
			Backend:   backend,
			ProjectID: integrationProject,
			SessionID: sessionID,
			AfterFunc: manualAfterFunc,
		})
		if err != nil {
			testContext.Fatalf("failed to build controller: %v", err)
		}
		return controller
	}

	ctx := context.Background()
	alice := newController("session-alice", "alice")
	bob := newController("session-bob", "bob")

	aliceBlurb := "Alice's pitch"
	bobBlurb := "Bob's pitch"
	bobSummary := "Bob's summary"
	_ = alice.Edit(dealroom.DraftData{InvestmentBlurb: &aliceBlurb})
	_ = bob.Edit(dealroom.DraftData{InvestmentBlurb: &bobBlurb, InvestmentSummary: &bobSummary})
	if err := alice.Save(ctx); err != nil {
		testContext.Fatalf("alice save failed: %v", err)
	}
	if err := bob.Save(ctx); err != nil {
		testContext.Fatalf("bob save failed: %v", err)
	}

	published, err := alice.Publish(ctx, "Alice's first cut")
	if err != nil {
		testContext.Fatalf("alice publish failed: %v", err)
	}
	if published.Version.Number != 1 || published.Version.CreatedBy != "alice" {
		testContext.Fatalf("unexpected first version %#v", published.Version)
	}

	_, err = bob.Publish(ctx, "Bob's take")
	var conflictErr *dealroom.ConflictError
	if !errors.As(err, &conflictErr) {
		testContext.Fatalf("expected bob's publish to conflict, got %v", err)
	}
	if bob.State().Status != autosave.StatusConflict || bob.State().ConflictID != conflictErr.ConflictID {
		testContext.Fatalf("unexpected bob state %#v", bob.State())
	}

	status, err := bob.Refresh(ctx)
	if err != nil {
		testContext.Fatalf("refresh failed: %v", err)
	}
	if status.Status != dealroom.SaveStateConflict {
		testContext.Fatalf("expected server-side conflict status, got %#v", status)
	}

	result, err := bob.Resolve(ctx, dealroom.ResolutionMerge, nil)
	if err != nil {
		testContext.Fatalf("resolve failed: %v", err)
	}
	if result.DealRoom.InvestmentBlurb != bobBlurb || result.DealRoom.InvestmentSummary != bobSummary {
		testContext.Fatalf("expected local scalars to win the merge, got %#v", result.DealRoom.Fields)
	}
	if result.Version.Number != 2 || result.Version.CreatedBy != "bob" {
		testContext.Fatalf("unexpected resolution version %#v", result.Version)
	}
	if bob.State().Status != autosave.StatusSaved {
		testContext.Fatalf("expected bob to be saved, got %s", bob.State().Status)
	}

	draft, err := bob.Recover(ctx)
	if err != nil {
		testContext.Fatalf("recover failed: %v", err)
	}
	if draft != nil {
		testContext.Fatalf("expected merged draft to be discarded, got %#v", draft)
	}

	history, err := dealRooms.GetVersionHistory(ctx, integrationProject, 0)
	if err != nil {
		testContext.Fatalf("history failed: %v", err)
	}
	if len(history) != 2 || history[0].ChangeDescription != "Conflict resolved using merge strategy" {
		testContext.Fatalf("unexpected history %#v", history)
	}

	unauthenticated, err := http.Get(testServer.URL + "/projects/" + integrationProject + "/deal-room")
	if err != nil {
		testContext.Fatalf("unauthenticated request failed: %v", err)
	}
	unauthenticated.Body.Close()
	if unauthenticated.StatusCode != http.StatusUnauthorized {
		testContext.Fatalf("expected unauthorized, got %d", unauthenticated.StatusCode)
	}
}

func mustMintToken(testContext *testing.T, userID string) string {
	testContext.Helper()
	now := time.Now()
	claims := auth.SessionClaims{
		UserID:          userID,
		UserDisplayName: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    integrationIssuer,
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(integrationSecret))
	if err != nil {
		testContext.Fatalf("failed to sign session token: %v", err)
	}
	return token
}
