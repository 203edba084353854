package db

import (
	"os"
	"testing"
)

// Helper functions for creating pointer values
func strPtr(s string) *string {
	return &s
}

func floatPtr(f float64) *float64 {
	return &f
}

func int64Ptr(i int64) *int64 {
	return &i
}

func setupTestDB(t *testing.T) *DB {
	t.Helper()
	fname := t.Name() + ".db"
	_ = os.Remove(fname)

	db, err := NewDB(fname)
	if err != nil {
		t.Fatalf("failed to create test DB: %v", err)
	}
	return db
}

func cleanupTestDB(t *testing.T, db *DB) {
	t.Helper()
	fname := t.Name() + ".db"
	db.Close()
	_ = os.Remove(fname)
	_ = os.Remove(fname + "-shm")
	_ = os.Remove(fname + "-wal")
}

// createTestDevice registers a device and returns it.
func createTestDevice(t *testing.T, db *DB, uid string) *Device {
	t.Helper()
	d := &Device{DeviceUID: uid, Name: uid}
	if err := db.CreateDevice(d); err != nil {
		t.Fatalf("CreateDevice failed: %v", err)
	}
	return d
}
