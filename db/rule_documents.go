package db

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/migadu/sift/consts"
)

// RuleDocument is one account's persisted rule collection of a given kind.
type RuleDocument struct {
	AccountID int64
	Kind      string
	Version   int64
	Doc       []byte
	UpdatedAt time.Time
}

// GetRuleDocument fetches one document. Returns consts.ErrDBNotFound when
// the account has never saved a document of this kind.
func (db *Database) GetRuleDocument(ctx context.Context, accountID int64, kind string) (*RuleDocument, error) {
	ctx, cancel := db.queryCtx(ctx)
	defer cancel()

	var d RuleDocument
	err := db.Pool.QueryRow(ctx,
		"SELECT account_id, kind, version, doc, updated_at FROM rule_documents WHERE account_id = $1 AND kind = $2",
		accountID, kind).Scan(&d.AccountID, &d.Kind, &d.Version, &d.Doc, &d.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, consts.ErrDBNotFound
		}
		return nil, err
	}
	return &d, nil
}

// SaveRuleDocument upserts one document, bumping its version on every
// overwrite. Last writer wins; the managers serialize writers per account
// so this only matters across processes.
func (db *Database) SaveRuleDocument(ctx context.Context, accountID int64, kind string, doc []byte) error {
	ctx, cancel := db.queryCtx(ctx)
	defer cancel()

	_, err := db.Pool.Exec(ctx, `
		INSERT INTO rule_documents (account_id, kind, version, doc, updated_at)
		VALUES ($1, $2, 1, $3, now())
		ON CONFLICT (account_id, kind)
		DO UPDATE SET doc = EXCLUDED.doc, version = rule_documents.version + 1, updated_at = now()
	`, accountID, kind, doc)
	return err
}

// DeleteRuleDocument removes one document. Missing documents are not an
// error.
func (db *Database) DeleteRuleDocument(ctx context.Context, accountID int64, kind string) error {
	ctx, cancel := db.queryCtx(ctx)
	defer cancel()

	_, err := db.Pool.Exec(ctx,
		"DELETE FROM rule_documents WHERE account_id = $1 AND kind = $2", accountID, kind)
	return err
}

// ListRuleDocuments returns every stored document of a kind, for admin
// export.
func (db *Database) ListRuleDocuments(ctx context.Context, kind string) ([]*RuleDocument, error) {
	ctx, cancel := db.queryCtx(ctx)
	defer cancel()

	rows, err := db.Pool.Query(ctx,
		"SELECT account_id, kind, version, doc, updated_at FROM rule_documents WHERE kind = $1 ORDER BY account_id",
		kind)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var docs []*RuleDocument
	for rows.Next() {
		var d RuleDocument
		if err := rows.Scan(&d.AccountID, &d.Kind, &d.Version, &d.Doc, &d.UpdatedAt); err != nil {
			return nil, err
		}
		docs = append(docs, &d)
	}
	return docs, rows.Err()
}

// LoadDocument adapts GetRuleDocument to the ruleset.Store interface.
func (db *Database) LoadDocument(ctx context.Context, accountID int64, kind string) ([]byte, error) {
	d, err := db.GetRuleDocument(ctx, accountID, kind)
	if err != nil {
		return nil, err
	}
	return d.Doc, nil
}

// SaveDocument adapts SaveRuleDocument to the ruleset.Store interface.
func (db *Database) SaveDocument(ctx context.Context, accountID int64, kind string, doc []byte) error {
	return db.SaveRuleDocument(ctx, accountID, kind, doc)
}
