package cluster

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-logr/logr"
	testingclock "k8s.io/utils/clock/testing"

	"github.com/policy-hub/coordinator/internal/apperror"
	"github.com/policy-hub/coordinator/internal/auth"
	"github.com/policy-hub/coordinator/internal/telemetry/models"
	"github.com/policy-hub/coordinator/internal/telemetry/storage"
)

func setupTestService(t *testing.T) (*Service, *storage.Store) {
	t.Helper()
	store, err := storage.NewStore(storage.StoreConfig{
		DBPath: filepath.Join(t.TempDir(), "cluster.db"),
		Logger: logr.Discard(),
	})
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}
	t.Cleanup(func() { store.Close() })

	svc := NewService(ServiceConfig{
		Store:                store,
		DefaultExpectedNodes: 1,
		Clock:                testingclock.NewFakeClock(time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)),
		Logger:               logr.Discard(),
	})
	return svc, store
}

func TestHeartbeat_SetsExpectedNodes(t *testing.T) {
	ctx := context.Background()
	svc, _ := setupTestService(t)
	cred := &auth.Credential{ClusterID: "c1", OrganizationID: "org1"}

	n, err := svc.ExpectedNodes(ctx, "c1")
	if err != nil || n != 1 {
		t.Fatalf("ExpectedNodes() before heartbeat = %d, %v, want 1", n, err)
	}

	c, err := svc.Heartbeat(ctx, cred, models.HeartbeatRequest{NodeCount: 3, OperatorVersion: "v1"})
	if err != nil {
		t.Fatalf("Heartbeat() error = %v", err)
	}
	if c.NodeCount != 3 || c.LastHeartbeat == nil {
		t.Errorf("cluster = %+v", c)
	}

	if _, err := svc.Heartbeat(ctx, cred, models.HeartbeatRequest{}); err != nil {
		t.Fatalf("Heartbeat() error = %v", err)
	}
	if n, _ := svc.ExpectedNodes(ctx, "c1"); n != 3 {
		t.Errorf("ExpectedNodes() = %d, want node count kept at 3", n)
	}
}

func TestHeartbeat_RejectsOrganizationCredential(t *testing.T) {
	svc, _ := setupTestService(t)
	_, err := svc.Heartbeat(context.Background(), &auth.Credential{OrganizationID: "org1"}, models.HeartbeatRequest{})
	if !apperror.IsKind(err, apperror.KindAuthorization) {
		t.Errorf("Heartbeat() error = %v, want AuthorizationError", err)
	}
}

func TestResolve(t *testing.T) {
	ctx := context.Background()
	svc, _ := setupTestService(t)
	if err := svc.Register(ctx, &models.Cluster{ID: "c1", OrganizationID: "org1", NodeCount: 2}); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	tests := []struct {
		name      string
		cred      *auth.Credential
		requested string
		want      string
		wantKind  apperror.Kind
	}{
		{name: "cluster token own cluster", cred: &auth.Credential{ClusterID: "c1"}, want: "c1"},
		{name: "cluster token explicit", cred: &auth.Credential{ClusterID: "c1"}, requested: "c1", want: "c1"},
		{name: "cluster token other cluster", cred: &auth.Credential{ClusterID: "c1"}, requested: "c2", wantKind: apperror.KindClusterMismatch},
		{name: "org credential", cred: &auth.Credential{OrganizationID: "org1"}, requested: "c1", want: "c1"},
		{name: "org credential no cluster", cred: &auth.Credential{OrganizationID: "org1"}, wantKind: apperror.KindValidation},
		{name: "org credential foreign cluster", cred: &auth.Credential{OrganizationID: "org2"}, requested: "c1", wantKind: apperror.KindNotFound},
		{name: "org credential unknown cluster", cred: &auth.Credential{OrganizationID: "org1"}, requested: "nope", wantKind: apperror.KindNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := svc.Resolve(ctx, tt.cred, tt.requested, nil)
			if tt.wantKind != "" {
				if !apperror.IsKind(err, tt.wantKind) {
					t.Errorf("Resolve() error = %v, want %s", err, tt.wantKind)
				}
				return
			}
			if err != nil {
				t.Fatalf("Resolve() error = %v", err)
			}
			if got.ClusterID != tt.want {
				t.Errorf("Resolve() = %s, want %s", got.ClusterID, tt.want)
			}
		})
	}
}

func TestRegister_Invalid(t *testing.T) {
	svc, _ := setupTestService(t)
	err := svc.Register(context.Background(), &models.Cluster{NodeCount: -1})
	if !apperror.IsKind(err, apperror.KindValidation) || len(apperror.FieldsOf(err)) != 3 {
		t.Errorf("Register() error = %v, want three field errors", err)
	}
}

func TestCanSee(t *testing.T) {
	if !CanSee(&auth.Credential{ClusterID: "c1"}, "c1", "org1") {
		t.Error("cluster token cannot see its own cluster")
	}
	if CanSee(&auth.Credential{ClusterID: "c1", OrganizationID: "org1"}, "c2", "org1") {
		t.Error("cluster token can see a sibling cluster")
	}
	if !CanSee(&auth.Credential{OrganizationID: "org1"}, "c2", "org1") {
		t.Error("org credential cannot see its cluster")
	}
	if CanSee(&auth.Credential{}, "c1", "") {
		t.Error("empty credential can see an unowned record")
	}
}
