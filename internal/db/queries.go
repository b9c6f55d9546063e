package db

const jobColumns = `id, amount, currency, prefix_lines, suffix_lines, items, source_ip, operator_id, is_fiscal, status, created_at, updated_at`

const (
	NextDispatchSeq = `
		UPDATE dispatch_sequence SET value = value + 1 WHERE id = 1 RETURNING value
	`

	InsertJob = `
		INSERT INTO print_jobs (id, amount, currency, prefix_lines, suffix_lines, items, source_ip, operator_id, is_fiscal, status, dispatch_seq, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	GetJobByID = `
		SELECT ` + jobColumns + `
		FROM print_jobs WHERE id = ?
	`

	GetJobStatus = `SELECT status FROM print_jobs WHERE id = ?`

	GetJobsByStatus = `
		SELECT ` + jobColumns + `
		FROM print_jobs WHERE status = ? ORDER BY dispatch_seq ASC
	`

	GetJobsBySource = `
		SELECT ` + jobColumns + `
		FROM print_jobs WHERE source_ip = ? ORDER BY dispatch_seq ASC
	`

	GetJobsByOperator = `
		SELECT ` + jobColumns + `
		FROM print_jobs WHERE operator_id = ? ORDER BY dispatch_seq ASC
	`

	GetTerminalJobsBefore = `
		SELECT ` + jobColumns + `
		FROM print_jobs WHERE status IN ('PRINTED', 'FAILED', 'REJECTED') AND updated_at < ?
		ORDER BY updated_at ASC LIMIT ?
	`

	CountJobsByStatus = `SELECT status, COUNT(*) FROM print_jobs GROUP BY status`

	// TransitionJob is completed with the IN list of allowed source statuses.
	TransitionJob = `
		UPDATE print_jobs SET status = ?, updated_at = ?
		WHERE id = ? AND status IN (%s)
		RETURNING ` + jobColumns

	RequeueJob = `
		UPDATE print_jobs SET status = 'PRINTING', updated_at = ?, dispatch_seq = ?
		WHERE id = ? AND status IN (%s)
		RETURNING ` + jobColumns

	DeleteJob = `DELETE FROM print_jobs WHERE id = ? RETURNING ` + jobColumns

	DeleteTerminalJob = `
		DELETE FROM print_jobs
		WHERE id = ? AND status = ? AND updated_at = ? AND status IN ('PRINTED', 'FAILED', 'REJECTED')
		RETURNING ` + jobColumns

	NextDispatchedJob = `
		SELECT dispatch_seq, ` + jobColumns + `
		FROM print_jobs WHERE status = 'PRINTING' AND dispatch_seq > ?
		ORDER BY dispatch_seq ASC LIMIT 1
	`
)
