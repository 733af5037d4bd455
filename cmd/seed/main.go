package main

import (
	"context"
	"errors"
	"log"

	"funnel-automation/backend/internal/config"
	"funnel-automation/backend/internal/logging"
	"funnel-automation/backend/internal/repository"
	"funnel-automation/backend/pkg/models"

	"github.com/jackc/pgx/v5/pgxpool"
)

func main() {
	ctx := context.Background()
	logger := logging.NewLogger()

	cfg, err := config.LoadConfig("")
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if cfg.DB.Driver != "postgres" {
		log.Fatalf("Seeding requires db.driver=postgres, got %q", cfg.DB.Driver)
	}

	pool, err := pgxpool.New(ctx, cfg.DSN())
	if err != nil {
		log.Fatalf("Failed to connect to DB: %v", err)
	}
	store := repository.NewPostgresStore(pool)
	defer store.Close()

	if err := store.Migrate(ctx); err != nil {
		log.Fatalf("Failed to apply schema: %v", err)
	}

	if err := seed(ctx, store, logger); err != nil {
		log.Fatalf("Seeding failed: %v", err)
	}
	logger.Info("Seeding complete!")
}

type seedWorkflow struct {
	Name        string
	EngineID    string
	ComponentID string
	Status      models.WorkflowStatus
	RedirectURL string
}

var seedWorkflows = []seedWorkflow{
	{"Newsletter Signup", "engine-newsletter", "signup-form", models.WorkflowStatusActive, "/thank-you"},
	{"Demo Request", "engine-demo-request", "demo-cta", models.WorkflowStatusActive, ""},
	{"Abandoned Cart", "engine-abandoned-cart", "", models.WorkflowStatusDraft, ""},
}

func seed(ctx context.Context, store repository.Repository, logger *logging.Logger) error {
	domain := "localhost"
	tenant, err := store.GetTenantByDomain(ctx, domain)
	switch {
	case errors.Is(err, repository.ErrNotFound):
		logger.Info("Creating default tenant", "domain", domain)
		tenant = &models.Tenant{Name: "Local Dev Tenant", Domain: domain}
		if err := store.CreateTenant(ctx, tenant); err != nil {
			return err
		}
	case err != nil:
		return err
	default:
		logger.Info("Found existing tenant", "id", tenant.ID)
	}

	ctx = repository.WithTenantID(ctx, tenant.ID)

	existing, err := store.ListWorkflows(ctx)
	if err != nil {
		return err
	}
	seen := make(map[string]bool, len(existing))
	for _, w := range existing {
		seen[w.Name] = true
	}

	for _, w := range seedWorkflows {
		if seen[w.Name] {
			logger.Info("Skipping existing workflow", "name", w.Name)
			continue
		}

		wf := &models.Workflow{
			TenantID:         tenant.ID,
			EngineWorkflowID: w.EngineID,
			Name:             w.Name,
			Status:           w.Status,
		}
		if w.ComponentID != "" {
			component := w.ComponentID
			wf.TriggerComponentID = &component
		}
		if w.RedirectURL != "" {
			wf.Config = map[string]any{"redirect_url": w.RedirectURL}
		}

		if err := store.CreateWorkflow(ctx, wf); err != nil {
			logger.Error("Failed to create workflow", "name", w.Name, "error", err)
			continue
		}
		logger.Info("Seeded workflow", "name", w.Name, "id", wf.ID)
	}
	return nil
}
