// SPDX-License-Identifier: Apache-2.0

package migrations

import (
	"testing"
	"testing/fstest"
)

func TestOrderedEmbedded(t *testing.T) {
	files, err := Ordered()
	if err != nil {
		t.Fatalf("ordered: %v", err)
	}
	if len(files) < 1 || files[0].Version != 1 || files[0].Name != "0001_pipelines.sql" {
		t.Fatalf("unexpected first migration %+v", files)
	}
	for i := 1; i < len(files); i++ {
		if files[i].Version <= files[i-1].Version {
			t.Fatalf("migrations out of order: %s after %s", files[i].Name, files[i-1].Name)
		}
	}
}

func TestOrderedRejectsBadNames(t *testing.T) {
	cases := map[string]fstest.MapFS{
		"no prefix":  {"pipelines.sql": {Data: []byte("SELECT 1")}},
		"bad prefix": {"abc_pipelines.sql": {Data: []byte("SELECT 1")}},
		"duplicate": {
			"0001_a.sql": {Data: []byte("SELECT 1")},
			"1_b.sql":    {Data: []byte("SELECT 1")},
		},
	}
	for name, fsys := range cases {
		if _, err := ordered(fsys); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}

func TestOrderedSortsNumerically(t *testing.T) {
	fsys := fstest.MapFS{
		"10_late.sql": {Data: []byte("SELECT 10")},
		"2_early.sql": {Data: []byte("SELECT 2")},
		"README.md":   {Data: []byte("ignored")},
	}
	files, err := ordered(fsys)
	if err != nil {
		t.Fatalf("ordered: %v", err)
	}
	if len(files) != 2 || files[0].Version != 2 || files[1].Version != 10 {
		t.Fatalf("unexpected order %+v", files)
	}
}
