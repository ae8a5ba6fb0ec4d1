package database

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/MarcoPoloResearchLab/imgate/internal/directory"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestOpenSQLiteSkipsRecordNotFoundLogs(testContext *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	database, err := OpenSQLite(filepath.Join(testContext.TempDir(), "quiet.db"), zap.New(core))
	if err != nil {
		testContext.Fatalf("failed to open database: %v", err)
	}
	sqlDB, err := database.DB()
	if err != nil {
		testContext.Fatalf("failed to access sql db: %v", err)
	}
	defer sqlDB.Close()

	var presence directory.UserPresence
	if err := database.Where("user_id = ?", "nobody").Take(&presence).Error; err == nil {
		testContext.Fatalf("expected missing row error")
	}
	for _, entry := range logs.All() {
		if strings.Contains(entry.Message, "record not found") {
			testContext.Fatalf("unexpected record-not-found log: %s", entry.Message)
		}
	}

	if err := database.Exec("SELECT * FROM missing_table").Error; err == nil {
		testContext.Fatalf("expected query against missing table to fail")
	}
	if logs.FilterLoggerName("gorm").Len() == 0 {
		testContext.Fatalf("expected failing query to be logged through zap")
	}
}

func TestStoreLookupOfUnknownUserStaysQuiet(testContext *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	logger := zap.New(core)
	database, err := OpenSQLite(filepath.Join(testContext.TempDir(), "lookup.db"), logger)
	if err != nil {
		testContext.Fatalf("failed to open database: %v", err)
	}
	sqlDB, err := database.DB()
	if err != nil {
		testContext.Fatalf("failed to access sql db: %v", err)
	}
	defer sqlDB.Close()

	store, err := directory.NewStore(directory.StoreConfig{Database: database, Logger: logger})
	if err != nil {
		testContext.Fatalf("failed to create store: %v", err)
	}
	node, online, err := store.CurrentNode(context.Background(), "nobody")
	if err != nil || online || node != "" {
		testContext.Fatalf("expected unknown user offline, got %q %v %v", node, online, err)
	}
	if logs.FilterLoggerName("gorm").Len() != 0 {
		testContext.Fatalf("expected no gorm logs, got %v", logs.FilterLoggerName("gorm").All())
	}
}
