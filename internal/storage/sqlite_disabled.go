//go:build !sqlite
// +build !sqlite

package storage

import (
	"errors"

	logx "opsdash/pkg/logx"
)

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	return nil, errors.New("sqlite driver not built in (rebuild with -tags sqlite)")
}
