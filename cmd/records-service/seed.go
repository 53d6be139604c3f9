package main

import (
	"context"
	"time"

	"github.com/medichain/platform/pkg/common/logger"
	"github.com/medichain/platform/pkg/common/models"
	"github.com/medichain/platform/pkg/identity"
)

// seedDemo provisions a demo staff roster for local environments. Guarded by
// SEED_DEMO; never enabled in production deployments.
func seedDemo(users identity.UserRegistry) {
	ctx := context.Background()
	now := time.Now().UTC()

	demo := []models.User{
		{ID: "ADM-001", FullName: "Amara Osei (MoH Admin)", Role: models.RoleAdmin, CreatedAt: now},
		{ID: "DOC-001", FullName: "Dr. Kwame Mensah", Role: models.RoleDoctor, CreatedAt: now},
		{ID: "NUR-001", FullName: "Nurse Abeba Tesfaye", Role: models.RoleNurse, CreatedAt: now},
		{ID: "LAB-001", FullName: "Kofi Boateng (Lab)", Role: models.RoleLabTechnician, CreatedAt: now},
		{ID: "PHA-001", FullName: "Ngozi Adeyemi (Pharmacy)", Role: models.RolePharmacist, CreatedAt: now},
	}

	seeded := 0
	for _, user := range demo {
		if err := users.CreateUser(ctx, user); err != nil {
			continue
		}
		seeded++
	}

	logger.Log.WithField("users", seeded).Info("Seeded demo staff roster")
}
