package migrate_test

import (
	"context"
	"testing"

	"foreman/internal/db"
	"foreman/internal/migrate"
)

func TestApplyIsIdempotent(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer conn.Close()

	all, err := migrate.Load()
	if err != nil || len(all) == 0 {
		t.Fatalf("load = %v, %v", all, err)
	}
	applied, err := migrate.Apply(context.Background(), conn)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if len(applied) != len(all) {
		t.Fatalf("applied %v of %d", applied, len(all))
	}
	again, err := migrate.Apply(context.Background(), conn)
	if err != nil || len(again) != 0 {
		t.Fatalf("second apply = %v, %v", again, err)
	}
	v, err := migrate.Current(conn)
	if err != nil || v != all[len(all)-1].Version {
		t.Fatalf("current = %d, %v", v, err)
	}
	if _, err := conn.Exec(`INSERT INTO tasks(id,kind,state,payload_json,issuer_role,reason,summary,source_line,created_at,updated_at)
		VALUES ('t1','build','pending','{}','commander','','hut',1,'x','x')`); err != nil {
		t.Fatalf("tasks table missing: %v", err)
	}
}
