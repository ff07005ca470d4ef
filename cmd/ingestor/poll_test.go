package main

import (
	"reflect"
	"testing"

	"gtfsrt-ingestor/internal/config"
)

func TestRefreshStaticArgs(t *testing.T) {
	cfg := &config.Config{DatabaseURL: "postgres://db", StaticZipPath: "/data/gtfs.zip"}
	got := refreshStaticArgs(cfg)
	want := []string{"refresh-static", "--database-url", "postgres://db", "--zip-path", "/data/gtfs.zip"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("args = %v, want %v", got, want)
	}

	cfg = &config.Config{DatabaseURL: "postgres://db", StaticZipURL: "https://feeds/gtfs.zip"}
	got = refreshStaticArgs(cfg)
	want = []string{"refresh-static", "--database-url", "postgres://db", "--zip-url", "https://feeds/gtfs.zip"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("args = %v, want %v", got, want)
	}
}

func TestArchiveArgs(t *testing.T) {
	cfg := &config.Config{DatabaseURL: "postgres://db", ArchiveRetentionDays: 7}
	got := archiveArgs(cfg)
	want := []string{"archive", "--database-url", "postgres://db", "--retention-days", "7"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("args = %v, want %v", got, want)
	}

	cfg.ArchiveForce = true
	cfg.ArchiveRetentionDays = 0.5
	got = archiveArgs(cfg)
	want = []string{"archive", "--database-url", "postgres://db", "--retention-days", "0.5", "--force"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("args = %v, want %v", got, want)
	}
}
