package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/prospector/pkg/contracts"
)

// newMockStore builds a store over a sqlmock handle for driver failure paths
// the SQLite tests cannot reach.
func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return New(db), mock
}

func TestGetRun_DriverErrorIsNotNotFound(t *testing.T) {
	st, mock := newMockStore(t)
	mock.ExpectQuery("SELECT (.+) FROM runs").
		WithArgs("run-1", "t1").
		WillReturnError(errors.New("connection reset"))

	_, err := st.GetRun(context.Background(), "t1", "run-1")
	require.Error(t, err)
	assert.False(t, contracts.IsKind(err, contracts.KindNotFound),
		"driver failures must not masquerade as missing rows")
	assert.Contains(t, err.Error(), "get run")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetRun_CorruptProvidersJSON(t *testing.T) {
	st, mock := newMockStore(t)
	cols := []string{"id", "tenant_id", "mandate", "sector", "region", "ranking_filter",
		"discovery_mode", "providers_json", "status", "created_by", "created_at",
		"started_at", "finished_at", "last_error"}
	mock.ExpectQuery("SELECT (.+) FROM runs").
		WithArgs("run-1", "t1").
		WillReturnRows(sqlmock.NewRows(cols).
			AddRow("run-1", "t1", "industrial robotics", nil, nil, nil,
				"both", "{not json", "planned", nil, time.Now(), nil, nil, nil))

	_, err := st.GetRun(context.Background(), "t1", "run-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "corrupt providers JSON")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateRun_InsertErrorSurfaces(t *testing.T) {
	st, mock := newMockStore(t)
	mock.ExpectExec("INSERT INTO runs").
		WillReturnError(errors.New("disk full"))

	err := st.CreateRun(context.Background(), &contracts.Run{
		TenantID: "t1",
		Mandate:  "industrial robotics",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "insert run")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateRunStatus_ZeroRowsIsNotFound(t *testing.T) {
	st, mock := newMockStore(t)
	mock.ExpectExec("UPDATE runs SET").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := st.UpdateRunStatus(context.Background(), "t1", "run-ghost", contracts.RunQueued, "")
	require.Error(t, err)
	assert.True(t, contracts.IsKind(err, contracts.KindNotFound))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListSteps_QueryErrorSurfaces(t *testing.T) {
	st, mock := newMockStore(t)
	mock.ExpectQuery("SELECT (.+) FROM run_steps").
		WithArgs("t1", "run-1").
		WillReturnError(errors.New("relation missing"))

	_, err := st.ListSteps(context.Background(), "t1", "run-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "list steps")
	require.NoError(t, mock.ExpectationsWereMet())
}
