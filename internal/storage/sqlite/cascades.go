package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Brian125bot/nexusaiv1/internal/types"
)

// Allowed fields for cascade updates to prevent SQL injection
var allowedCascadeFields = map[string]bool{
	"status":           true,
	"summary":          true,
	"repair_job_count": true,
	"downstream_files": true,
	"telemetry":        true,
}

// CreateCascade inserts a new cascade row.
func (s *SQLiteStore) CreateCascade(ctx context.Context, cascade *types.Cascade) error {
	if cascade.ID == "" {
		cascade.ID = uuid.New().String()
	}
	if cascade.Status == "" {
		cascade.Status = types.CascadeAnalyzing
	}
	if err := cascade.Validate(); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}

	now := time.Now().UTC()
	cascade.CreatedAt = now
	cascade.UpdatedAt = now

	coreJSON, err := json.Marshal(emptyIfNil(cascade.CoreFilesChanged))
	if err != nil {
		return fmt.Errorf("failed to marshal core files: %w", err)
	}
	downstreamJSON, err := json.Marshal(emptyIfNil(cascade.DownstreamFiles))
	if err != nil {
		return fmt.Errorf("failed to marshal downstream files: %w", err)
	}
	var telemetryJSON interface{}
	if cascade.Telemetry != nil {
		data, err := json.Marshal(cascade.Telemetry)
		if err != nil {
			return fmt.Errorf("failed to marshal telemetry: %w", err)
		}
		telemetryJSON = string(data)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO cascades (id, trigger_session_id, core_files_changed, downstream_files,
			repair_job_count, summary, status, telemetry, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, cascade.ID, nullIfEmpty(cascade.TriggerSessionID), string(coreJSON), string(downstreamJSON),
		cascade.RepairJobCount, cascade.Summary, cascade.Status, telemetryJSON,
		cascade.CreatedAt, cascade.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert cascade: %w", err)
	}
	return nil
}

// CascadeByID retrieves a cascade by ID. Returns ErrNotFound if absent.
func (s *SQLiteStore) CascadeByID(ctx context.Context, id string) (*types.Cascade, error) {
	var cascade types.Cascade
	var triggerSessionID sql.NullString
	var coreJSON, downstreamJSON string
	var telemetryJSON sql.NullString

	err := s.db.QueryRowContext(ctx, `
		SELECT id, trigger_session_id, core_files_changed, downstream_files,
		       repair_job_count, summary, status, telemetry, created_at, updated_at
		FROM cascades WHERE id = ?
	`, id).Scan(&cascade.ID, &triggerSessionID, &coreJSON, &downstreamJSON,
		&cascade.RepairJobCount, &cascade.Summary, &cascade.Status, &telemetryJSON,
		&cascade.CreatedAt, &cascade.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get cascade: %w", err)
	}

	cascade.TriggerSessionID = triggerSessionID.String
	if err := json.Unmarshal([]byte(coreJSON), &cascade.CoreFilesChanged); err != nil {
		return nil, fmt.Errorf("corrupt core files for cascade %s: %w", id, err)
	}
	if err := json.Unmarshal([]byte(downstreamJSON), &cascade.DownstreamFiles); err != nil {
		return nil, fmt.Errorf("corrupt downstream files for cascade %s: %w", id, err)
	}
	if telemetryJSON.Valid && telemetryJSON.String != "" {
		cascade.Telemetry = &types.CascadeTelemetry{}
		if err := json.Unmarshal([]byte(telemetryJSON.String), cascade.Telemetry); err != nil {
			return nil, fmt.Errorf("corrupt telemetry for cascade %s: %w", id, err)
		}
	}
	return &cascade, nil
}

// UpdateCascade updates fields on a cascade. Telemetry, if present, must
// be a *types.CascadeTelemetry; downstream_files a []string.
func (s *SQLiteStore) UpdateCascade(ctx context.Context, id string, updates map[string]interface{}) error {
	setClauses := []string{"updated_at = ?"}
	args := []interface{}{time.Now().UTC()}

	for key, value := range updates {
		if !allowedCascadeFields[key] {
			return fmt.Errorf("invalid field for update: %s", key)
		}
		switch key {
		case "status":
			if status, ok := value.(string); ok {
				if !types.CascadeStatus(status).IsValid() {
					return fmt.Errorf("invalid status: %s", status)
				}
			}
		case "telemetry":
			telemetry, ok := value.(*types.CascadeTelemetry)
			if !ok {
				return fmt.Errorf("telemetry must be *types.CascadeTelemetry")
			}
			data, err := json.Marshal(telemetry)
			if err != nil {
				return fmt.Errorf("failed to marshal telemetry: %w", err)
			}
			value = string(data)
		case "downstream_files":
			files, ok := value.([]string)
			if !ok {
				return fmt.Errorf("downstream_files must be []string")
			}
			data, err := json.Marshal(files)
			if err != nil {
				return fmt.Errorf("failed to marshal downstream files: %w", err)
			}
			value = string(data)
		}
		setClauses = append(setClauses, fmt.Sprintf("%s = ?", key))
		args = append(args, value)
	}
	args = append(args, id)

	query := fmt.Sprintf("UPDATE cascades SET %s WHERE id = ?", strings.Join(setClauses, ", "))
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update cascade: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteCascade removes a cascade; sessions pointing at it keep running
// with cascade_id nulled by the foreign key.
func (s *SQLiteStore) DeleteCascade(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM cascades WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete cascade: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func emptyIfNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
