package sqlxrepos

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"testing"

	"github.com/lib/pq"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"

	"github.com/trezcool/kanisa/core"
)

func Test_rosterRepository_trapErr(t *testing.T) {
	repo := rosterRepository{}

	tests := []struct {
		name            string
		err             error
		resource        string
		wantNotFound    bool
		wantUnavailable bool
	}{
		{name: "no rows on lookup", err: sql.ErrNoRows, resource: "person", wantNotFound: true},
		{name: "no rows elsewhere", err: sql.ErrNoRows},
		{name: "deadline", err: errors.Wrap(context.DeadlineExceeded, "query"), wantUnavailable: true},
		{name: "bad conn", err: driver.ErrBadConn, wantUnavailable: true},
		{name: "connection failure", err: &pq.Error{Code: "08006"}, wantUnavailable: true},
		{name: "query canceled", err: &pq.Error{Code: "57014"}, wantUnavailable: true},
		{name: "too many connections", err: &pq.Error{Code: "53300"}, wantUnavailable: true},
		{name: "deadlock", err: &pq.Error{Code: "40P01"}, wantUnavailable: true},
		{name: "syntax error", err: &pq.Error{Code: "42601"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := repo.trapErr("op", tt.err, tt.resource, 7)
			assert.Error(t, err)
			assert.Equal(t, tt.wantNotFound, core.IsNotFound(err))
			assert.Equal(t, tt.wantUnavailable, core.IsStoreUnavailable(err))
		})
	}

	assert.NoError(t, repo.trapErr("op", nil, "", 0))
}
