package store

import (
	"testing"
	"time"

	"github.com/minio/minio-go/v7"
)

func TestArchiveObjectKey(t *testing.T) {
	tests := []struct {
		name       string
		bucketPath string
		object     string
		expected   string
	}{
		{name: "no prefix", object: "state.json", expected: "managed-rules/state.json"},
		{name: "with bucket path", bucketPath: "/production/", object: "state.json", expected: "production/managed-rules/state.json"},
		{name: "listing prefix", bucketPath: "production", object: "", expected: "production/managed-rules/"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := NewMinioArchive(MinioConfig{BucketPath: tt.bucketPath}, nil)
			if got := a.objectKey(tt.object); got != tt.expected {
				t.Errorf("objectKey(%q) = %q, want %q", tt.object, got, tt.expected)
			}
		})
	}
}

func TestNewestObject(t *testing.T) {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	objects := []minio.ObjectInfo{
		{Key: "managed-rules/a.json", LastModified: base},
		{Key: "managed-rules/", LastModified: base.Add(time.Hour)},
		{Key: "managed-rules/c.json", LastModified: base.Add(2 * time.Minute)},
		{Key: "managed-rules/b.json", LastModified: base.Add(time.Minute)},
	}
	newest, ok := newestObject(objects)
	if !ok {
		t.Fatal("expected an object")
	}
	if newest.Key != "managed-rules/c.json" {
		t.Fatalf("newest = %s", newest.Key)
	}
	if _, ok := newestObject(nil); ok {
		t.Fatal("empty listing should report no object")
	}
}

func TestCheckCapacity(t *testing.T) {
	if err := checkCapacity(50, 100, 95); err != nil {
		t.Fatalf("50%% usage should pass: %v", err)
	}
	if err := checkCapacity(96, 100, 95); err == nil {
		t.Fatal("96% usage should exceed the threshold")
	}
	if err := checkCapacity(0, 0, 95); err == nil {
		t.Fatal("zero capacity should be rejected")
	}
}

func TestArchiveObjectName(t *testing.T) {
	now := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	if got := archiveObjectName("/app/data/managed_rules.json", now); got != "managed_rules-20240102-030405.json" {
		t.Fatalf("unexpected object name %s", got)
	}
}

func TestExpiredObjects(t *testing.T) {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	objects := []minio.ObjectInfo{
		{Key: "managed-rules/", LastModified: base.Add(time.Hour)},
		{Key: "managed-rules/a.json", LastModified: base},
		{Key: "managed-rules/d.json", LastModified: base.Add(3 * time.Minute)},
		{Key: "managed-rules/c.json", LastModified: base.Add(2 * time.Minute)},
		{Key: "managed-rules/b.json", LastModified: base.Add(time.Minute)},
	}
	tests := []struct {
		name     string
		keep     int
		expected []string
	}{
		{name: "keep two", keep: 2, expected: []string{"managed-rules/b.json", "managed-rules/a.json"}},
		{name: "keep all", keep: 4, expected: nil},
		{name: "keep at least one", keep: 0, expected: []string{"managed-rules/c.json", "managed-rules/b.json", "managed-rules/a.json"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := expiredObjects(objects, tt.keep)
			if len(got) != len(tt.expected) {
				t.Fatalf("expiredObjects(keep=%d) = %v, want %v", tt.keep, got, tt.expected)
			}
			for i := range got {
				if got[i] != tt.expected[i] {
					t.Fatalf("expiredObjects(keep=%d) = %v, want %v", tt.keep, got, tt.expected)
				}
			}
		})
	}
}
