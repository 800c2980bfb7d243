package database

import (
	"path/filepath"
	"testing"

	"github.com/MarcoPoloResearchLab/vetsync/backend/internal/appointments"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func TestApplyMigrationsNormalizesAppointmentStatus(testContext *testing.T) {
	tempDir := testContext.TempDir()
	databasePath := filepath.Join(tempDir, "migration.db")

	database, err := gorm.Open(sqlite.Open(databasePath), &gorm.Config{})
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}

	if err := database.AutoMigrate(&appointments.Appointment{}, &migrationRecord{}); err != nil {
		testContext.Fatalf("failed to migrate schema: %v", err)
	}

	legacy := []appointments.Appointment{
		{TenantID: "clinic-1", AppointmentID: "a-1", ScheduledDate: "2025-08-10", Status: "Checked In", Version: 1, CreatedAtSeconds: 1, UpdatedAtSeconds: 1},
		{TenantID: "clinic-1", AppointmentID: "a-2", ScheduledDate: "2025-08-10", Status: "canceled", Version: 1, CreatedAtSeconds: 1, UpdatedAtSeconds: 1},
		{TenantID: "clinic-1", AppointmentID: "a-3", ScheduledDate: "2025-08-10", Status: "mystery", Version: 1, CreatedAtSeconds: 1, UpdatedAtSeconds: 1},
	}
	if err := database.Create(&legacy).Error; err != nil {
		testContext.Fatalf("failed to insert appointments: %v", err)
	}

	if err := applyMigrations(database, zap.NewNop()); err != nil {
		testContext.Fatalf("failed to apply migrations: %v", err)
	}

	expected := map[string]appointments.Status{
		"a-1": appointments.StatusCheckedIn,
		"a-2": appointments.StatusCancelled,
		"a-3": "mystery",
	}
	for appointmentID, status := range expected {
		var stored appointments.Appointment
		if err := database.Where("appointment_id = ?", appointmentID).Take(&stored).Error; err != nil {
			testContext.Fatalf("failed to reload %s: %v", appointmentID, err)
		}
		if stored.Status != status {
			testContext.Fatalf("%s: expected status %q, got %q", appointmentID, status, stored.Status)
		}
	}

	var record migrationRecord
	if err := database.Where("name = ?", migrationNormalizeAppointmentStatus).Take(&record).Error; err != nil {
		testContext.Fatalf("expected migration record to be created: %v", err)
	}
	if record.AppliedAtSeconds == 0 {
		testContext.Fatalf("expected migration timestamp to be set")
	}

	if err := applyMigrations(database, zap.NewNop()); err != nil {
		testContext.Fatalf("re-running migrations should be a no-op: %v", err)
	}
}

func TestOpenMigratesSQLite(testContext *testing.T) {
	databasePath := filepath.Join(testContext.TempDir(), "open.db")
	database, err := Open(DriverSQLite, databasePath, zap.NewNop())
	if err != nil {
		testContext.Fatalf("open: %v", err)
	}
	for _, table := range []string{"tenants", "tenant_members", "appointments", "appointment_changes", "db_migrations"} {
		if !database.Migrator().HasTable(table) {
			testContext.Fatalf("expected table %s", table)
		}
	}
	if _, err := Open("mysql", databasePath, nil); err == nil {
		testContext.Fatalf("expected unsupported driver error")
	}
}
