package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/consensus-ai/backend/internal/storage/models"
	"github.com/consensus-ai/backend/pkg/logger"
	"github.com/consensus-ai/backend/pkg/utils"
)

var ErrNotFound = errors.New("validation not found")

const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "postgres"
)

// Client stores finished validations. Queries are written with ? placeholders
// and rebound for postgres.
type Client struct {
	db     *sql.DB
	driver string
}

func NewClient(driver, dsn string) (*Client, error) {
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if driver == DriverSQLite {
		if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
		}
	}

	logger.Info("History store initialized", zap.String("driver", driver))

	return NewFromDB(db, driver), nil
}

func NewFromDB(db *sql.DB, driver string) *Client {
	return &Client{db: db, driver: driver}
}

func (c *Client) Close() error {
	return c.db.Close()
}

func (c *Client) Ping(ctx context.Context) error {
	return c.db.PingContext(ctx)
}

func (c *Client) rebind(query string) string {
	if c.driver != DriverPostgres {
		return query
	}

	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (c *Client) InitSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS validation_history (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		prompt TEXT NOT NULL,
		prompt_hash TEXT NOT NULL,
		risk_preference INTEGER NOT NULL,
		creativity_preference INTEGER NOT NULL,
		gpt_response TEXT NOT NULL,
		gemini_pro_response TEXT NOT NULL,
		gemini_flash_response TEXT NOT NULL,
		consensus_points TEXT NOT NULL,
		majority_points TEXT NOT NULL,
		dissent_points TEXT NOT NULL,
		final_recommendation TEXT NOT NULL,
		premium_insights TEXT,
		overall_confidence INTEGER NOT NULL,
		synthesis_reasoning TEXT NOT NULL,
		is_premium BOOLEAN NOT NULL DEFAULT FALSE,
		processing_time_ms BIGINT NOT NULL,
		created_at BIGINT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_validation_user_created ON validation_history(user_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_validation_prompt_hash ON validation_history(prompt_hash);
	`

	if _, err := c.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	logger.Info("History schema initialized")
	return nil
}

type premiumInsights struct {
	StrategicAlternatives []string `json:"strategicAlternatives,omitempty"`
	LongTermOutlook       string   `json:"longTermOutlook,omitempty"`
	CompetitorInsights    string   `json:"competitorInsights,omitempty"`
}

func (p premiumInsights) empty() bool {
	return len(p.StrategicAlternatives) == 0 && p.LongTermOutlook == "" && p.CompetitorInsights == ""
}

// InsertValidation assigns an id and creation time when missing and writes the
// result. CreatedAt is truncated to millisecond precision in UTC.
func (c *Client) InsertValidation(ctx context.Context, result *models.ValidationResult) error {
	if result.ValidationID == "" {
		result.ValidationID = uuid.New().String()
	}
	if result.CreatedAt.IsZero() {
		result.CreatedAt = time.Now()
	}
	result.CreatedAt = result.CreatedAt.UTC().Truncate(time.Millisecond)

	cols := []any{
		result.GPTResponse,
		result.GeminiProResponse,
		result.GeminiFlashResponse,
		result.ConsensusPoints,
		result.MajorityPoints,
		result.DissentPoints,
		result.FinalRecommendation,
	}
	encoded := make([]string, len(cols))
	for i, v := range cols {
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("failed to marshal validation column %d: %w", i, err)
		}
		encoded[i] = string(data)
	}

	var premium sql.NullString
	insights := premiumInsights{
		StrategicAlternatives: result.StrategicAlternatives,
		LongTermOutlook:       result.LongTermOutlook,
		CompetitorInsights:    result.CompetitorInsights,
	}
	if !insights.empty() {
		data, err := json.Marshal(insights)
		if err != nil {
			return fmt.Errorf("failed to marshal premium insights: %w", err)
		}
		premium = sql.NullString{String: string(data), Valid: true}
	}

	query := c.rebind(`
		INSERT INTO validation_history (id, user_id, prompt, prompt_hash, risk_preference, creativity_preference,
			gpt_response, gemini_pro_response, gemini_flash_response, consensus_points, majority_points,
			dissent_points, final_recommendation, premium_insights, overall_confidence, synthesis_reasoning,
			is_premium, processing_time_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)

	_, err := c.db.ExecContext(ctx, query,
		result.ValidationID,
		result.UserID,
		result.Prompt,
		utils.PromptFingerprint(result.Prompt),
		result.UserPreferences.RiskPreference,
		result.UserPreferences.CreativityPreference,
		encoded[0],
		encoded[1],
		encoded[2],
		encoded[3],
		encoded[4],
		encoded[5],
		encoded[6],
		premium,
		result.OverallConfidence,
		result.SynthesisReasoning,
		result.IsPremium,
		result.ProcessingTimeMs,
		result.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert validation: %w", err)
	}

	logger.Info("Validation recorded",
		zap.String("validation_id", result.ValidationID),
		zap.String("user_id", result.UserID),
		zap.Int("overall_confidence", result.OverallConfidence),
	)

	return nil
}

const selectValidation = `
	SELECT id, user_id, prompt, risk_preference, creativity_preference, gpt_response, gemini_pro_response,
		gemini_flash_response, consensus_points, majority_points, dissent_points, final_recommendation,
		premium_insights, overall_confidence, synthesis_reasoning, is_premium, processing_time_ms, created_at
	FROM validation_history
`

func (c *Client) GetValidation(ctx context.Context, id string) (*models.ValidationResult, error) {
	row := c.db.QueryRowContext(ctx, c.rebind(selectValidation+` WHERE id = ?`), id)
	return scanValidation(row)
}

// GetValidationForUser only returns the validation when it belongs to userID.
func (c *Client) GetValidationForUser(ctx context.Context, userID, id string) (*models.ValidationResult, error) {
	row := c.db.QueryRowContext(ctx, c.rebind(selectValidation+` WHERE id = ? AND user_id = ?`), id, userID)
	return scanValidation(row)
}

func scanValidation(row *sql.Row) (*models.ValidationResult, error) {
	var (
		r         models.ValidationResult
		cols      [7]string
		premium   sql.NullString
		createdAt int64
	)

	err := row.Scan(
		&r.ValidationID,
		&r.UserID,
		&r.Prompt,
		&r.UserPreferences.RiskPreference,
		&r.UserPreferences.CreativityPreference,
		&cols[0],
		&cols[1],
		&cols[2],
		&cols[3],
		&cols[4],
		&cols[5],
		&cols[6],
		&premium,
		&r.OverallConfidence,
		&r.SynthesisReasoning,
		&r.IsPremium,
		&r.ProcessingTimeMs,
		&createdAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get validation: %w", err)
	}

	targets := []any{
		&r.GPTResponse,
		&r.GeminiProResponse,
		&r.GeminiFlashResponse,
		&r.ConsensusPoints,
		&r.MajorityPoints,
		&r.DissentPoints,
		&r.FinalRecommendation,
	}
	for i, target := range targets {
		if err := json.Unmarshal([]byte(cols[i]), target); err != nil {
			return nil, fmt.Errorf("failed to unmarshal validation column %d: %w", i, err)
		}
	}

	if premium.Valid {
		var insights premiumInsights
		if err := json.Unmarshal([]byte(premium.String), &insights); err != nil {
			return nil, fmt.Errorf("failed to unmarshal premium insights: %w", err)
		}
		r.StrategicAlternatives = insights.StrategicAlternatives
		r.LongTermOutlook = insights.LongTermOutlook
		r.CompetitorInsights = insights.CompetitorInsights
	}

	r.CreatedAt = time.UnixMilli(createdAt).UTC()

	return &r, nil
}

func (c *Client) ListValidations(ctx context.Context, userID string, limit int) ([]models.ValidationSummary, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}

	query := c.rebind(`
		SELECT id, prompt, final_recommendation, overall_confidence, created_at
		FROM validation_history
		WHERE user_id = ?
		ORDER BY created_at DESC
		LIMIT ?
	`)

	rows, err := c.db.QueryContext(ctx, query, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list validations: %w", err)
	}
	defer rows.Close()

	summaries := []models.ValidationSummary{}
	for rows.Next() {
		var (
			s         models.ValidationSummary
			final     string
			createdAt int64
		)
		if err := rows.Scan(&s.ValidationID, &s.Prompt, &final, &s.OverallConfidence, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}

		var rec models.FinalRecommendation
		if err := json.Unmarshal([]byte(final), &rec); err != nil {
			logger.Warn("Skipping unreadable final recommendation",
				zap.String("validation_id", s.ValidationID),
				zap.Error(err),
			)
		}
		s.FinalTitle = rec.Title
		s.CreatedAt = time.UnixMilli(createdAt).UTC()
		summaries = append(summaries, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate validations: %w", err)
	}

	return summaries, nil
}

func (c *Client) DeleteValidation(ctx context.Context, userID, id string) error {
	res, err := c.db.ExecContext(ctx, c.rebind(`DELETE FROM validation_history WHERE id = ? AND user_id = ?`), id, userID)
	if err != nil {
		return fmt.Errorf("failed to delete validation: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to delete validation: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}

	logger.Info("Validation deleted", zap.String("validation_id", id), zap.String("user_id", userID))
	return nil
}
