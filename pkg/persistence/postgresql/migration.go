package postgresql

func migrations() map[int]string {
	return map[int]string{
		1: `
			-- Append-only run event log
			CREATE TABLE run_events (
				run_id VARCHAR(255) NOT NULL,
				seq BIGINT NOT NULL,
				id VARCHAR(64) NOT NULL,
				ts TIMESTAMP WITH TIME ZONE NOT NULL,
				type VARCHAR(128) NOT NULL,
				data JSONB NOT NULL DEFAULT '{}',
				PRIMARY KEY (run_id, seq)
			);

			CREATE INDEX idx_run_events_type ON run_events(type);

			-- Per-run event sequence counter
			CREATE TABLE run_event_seq (
				run_id VARCHAR(255) PRIMARY KEY,
				last_seq BIGINT NOT NULL
			);

			CREATE TABLE run_states (
				run_id VARCHAR(255) PRIMARY KEY,
				data JSONB NOT NULL,
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
			);

			CREATE TABLE workflow_states (
				run_id VARCHAR(255) PRIMARY KEY,
				status VARCHAR(50) NOT NULL,
				data JSONB NOT NULL,
				version BIGINT NOT NULL DEFAULT 1,
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
			);

			CREATE INDEX idx_workflow_states_status ON workflow_states(status);
		`,
		2: `
			-- Trace documents with optimistic versioning
			CREATE TABLE traces (
				run_id VARCHAR(255) PRIMARY KEY,
				data JSONB NOT NULL,
				version BIGINT NOT NULL DEFAULT 1,
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
			);
		`,
	}
}
