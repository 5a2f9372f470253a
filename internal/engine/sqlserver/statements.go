package sqlserver

import (
	"fmt"
	"strings"

	"mssql-recovery/internal/engine"
)

const (
	queryDatabaseCount = `SELECT COUNT(1) FROM sys.databases WHERE name = @p1`

	queryDatabase = `SELECT name, state_desc, user_access_desc FROM sys.databases WHERE name = @p1`

	queryHeaderOnly = `RESTORE HEADERONLY FROM DISK = @p1`

	queryProgress = `SELECT MAX(r.percent_complete) FROM sys.dm_exec_requests r
WHERE r.command = @p1 AND (r.database_id = DB_ID(@p2) OR DB_ID(@p2) IS NULL)`
)

// quoteIdentifier brackets a name, escaping closing brackets
func quoteIdentifier(name string) string {
	return "[" + strings.ReplaceAll(name, "]", "]]") + "]"
}

// BuildStatement renders a request as a parameterized T-SQL statement
func BuildStatement(req engine.Request) (string, []interface{}, error) {
	if strings.TrimSpace(req.Database) == "" {
		return "", nil, fmt.Errorf("database name is required")
	}
	if len(req.Devices) == 0 {
		return "", nil, fmt.Errorf("at least one device is required")
	}

	var args []interface{}
	param := func(v interface{}) string {
		args = append(args, v)
		return fmt.Sprintf("@p%d", len(args))
	}

	devices := make([]string, 0, len(req.Devices))
	for _, d := range req.Devices {
		if d.Kind != engine.DeviceKindFile {
			return "", nil, fmt.Errorf("unsupported device kind %q", d.Kind)
		}
		devices = append(devices, "DISK = "+param(d.Name))
	}

	var b strings.Builder
	var with []string
	opts := req.Options

	switch req.Action {
	case engine.ActionBackupDatabase, engine.ActionBackupLog:
		fmt.Fprintf(&b, "%s %s TO %s", req.Action, quoteIdentifier(req.Database), strings.Join(devices, ", "))
		if opts.Initialize {
			with = append(with, "INIT")
		} else {
			with = append(with, "NOINIT")
		}
		if req.Action == engine.ActionBackupDatabase && opts.Incremental {
			with = append(with, "DIFFERENTIAL")
		}
		if req.Action == engine.ActionBackupLog && !opts.TruncateLog {
			with = append(with, "NO_TRUNCATE")
		}
		if opts.SetName != "" {
			with = append(with, "NAME = "+param(opts.SetName))
		}
		if opts.Description != "" {
			with = append(with, "DESCRIPTION = "+param(opts.Description))
		}
	case engine.ActionRestoreDatabase, engine.ActionRestoreLog:
		fmt.Fprintf(&b, "%s %s FROM %s", req.Action, quoteIdentifier(req.Database), strings.Join(devices, ", "))
		if opts.NoRecovery {
			with = append(with, "NORECOVERY")
		} else {
			with = append(with, "RECOVERY")
		}
		if req.Action == engine.ActionRestoreDatabase && opts.ReplaceDatabase {
			with = append(with, "REPLACE")
		}
	default:
		return "", nil, fmt.Errorf("unsupported action %d", req.Action)
	}

	if opts.Checksum {
		with = append(with, "CHECKSUM")
	}
	if opts.ContinueAfterError {
		with = append(with, "CONTINUE_AFTER_ERROR")
	}
	if opts.PercentNotification > 0 {
		with = append(with, fmt.Sprintf("STATS = %d", opts.PercentNotification))
	}

	b.WriteString(" WITH ")
	b.WriteString(strings.Join(with, ", "))
	return b.String(), args, nil
}
