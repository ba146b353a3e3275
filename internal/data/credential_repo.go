package data

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/hirewire/cvpipeline/internal/data/cryptoutil"
	"github.com/hirewire/cvpipeline/internal/data/pgxutil"
	"github.com/hirewire/cvpipeline/internal/domain/model"
)

// CredentialRepo provides CRUD operations for source credentials with
// at-rest encryption.
type CredentialRepo struct {
	DB  *sql.DB
	Enc cryptoutil.Encryptor
}

// NewCredentialRepo creates a new CredentialRepo.
func NewCredentialRepo(db *sql.DB, enc cryptoutil.Encryptor) *CredentialRepo {
	return &CredentialRepo{DB: db, Enc: enc}
}

var (
	// ErrCredentialNotFound is returned when a credential is not found.
	ErrCredentialNotFound = errors.New("credential not found")
	// ErrCredentialNameExists is returned when creating or renaming to an existing name.
	ErrCredentialNameExists = errors.New("credential name already exists")
)

const credentialColumns = `id, name, value, created_at, updated_at`

func (r *CredentialRepo) mapCredentialWriteErr(err error, includeNotFound bool) error {
	if err == nil {
		return nil
	}
	if includeNotFound && errors.Is(err, pgx.ErrNoRows) {
		return ErrCredentialNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" && pgErr.ConstraintName == "credentials_name_key" {
		return ErrCredentialNameExists
	}
	return err
}

func (r *CredentialRepo) decryptCredentialValue(cred *model.Credential) error {
	if cred == nil || cred.Value == "" {
		return nil
	}

	pt, err := r.Enc.Decrypt(cred.Value)
	if err != nil {
		prefix := cred.Value
		if len(prefix) > 20 {
			prefix = prefix[:20] + "..."
		}
		return fmt.Errorf("decrypt value (prefix: %s): %w", prefix, err)
	}

	cred.Value = string(pt)
	return nil
}

func (r *CredentialRepo) getCredentialByQuery(
	ctx context.Context,
	query, errorMsg string,
	arg any,
) (*model.Credential, error) {
	var c model.Credential
	err := pgxutil.WithPgxConn(ctx, r.DB, func(conn *pgx.Conn) error {
		rows, err := conn.Query(ctx, query, arg)
		if err != nil {
			return err
		}
		defer rows.Close()
		c, err = pgx.CollectOneRow(rows, pgx.RowToStructByName[model.Credential])
		return err
	})
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrCredentialNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", errorMsg, err)
	}

	if decryptErr := r.decryptCredentialValue(&c); decryptErr != nil {
		return nil, decryptErr
	}

	return &c, nil
}

// Create inserts a new credential, storing the encrypted value.
func (r *CredentialRepo) Create(ctx context.Context, req model.CreateCredentialRequest) (*model.Credential, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	cipher, err := r.Enc.Encrypt([]byte(req.Value))
	if err != nil {
		return nil, fmt.Errorf("encrypt: %w", err)
	}

	var out model.Credential
	err = pgxutil.WithPgxConn(ctx, r.DB, func(conn *pgx.Conn) error {
		rows, err := conn.Query(ctx, `
			INSERT INTO credentials (name, value)
			VALUES ($1, $2)
			RETURNING `+credentialColumns,
			req.Name, cipher)
		if err != nil {
			return err
		}
		defer rows.Close()
		out, err = pgx.CollectOneRow(rows, pgx.RowToStructByName[model.Credential])
		return err
	})
	if err != nil {
		return nil, r.mapCredentialWriteErr(err, false)
	}

	if decryptErr := r.decryptCredentialValue(&out); decryptErr != nil {
		return nil, decryptErr
	}

	return &out, nil
}

// GetByID fetches a credential by ID and returns it with decrypted value.
func (r *CredentialRepo) GetByID(ctx context.Context, id string) (*model.Credential, error) {
	query := `SELECT ` + credentialColumns + ` FROM credentials WHERE id = $1`
	return r.getCredentialByQuery(ctx, query, "get credential by id", id)
}

// GetByName fetches a credential by name and returns it with decrypted value.
func (r *CredentialRepo) GetByName(ctx context.Context, name string) (*model.Credential, error) {
	query := `SELECT ` + credentialColumns + ` FROM credentials WHERE name = $1`
	return r.getCredentialByQuery(ctx, query, "get credential by name", name)
}

// List returns credential metadata (without values) with pagination.
func (r *CredentialRepo) List(ctx context.Context, limit, offset int) ([]*model.Credential, error) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	query := `
		SELECT id, name, ''::text AS value, created_at, updated_at
		FROM credentials
		ORDER BY created_at DESC, id DESC
		LIMIT $1 OFFSET $2`

	var credsSlice []model.Credential
	err := pgxutil.WithPgxConn(ctx, r.DB, func(conn *pgx.Conn) error {
		rows, err := conn.Query(ctx, query, limit, offset)
		if err != nil {
			return err
		}
		defer rows.Close()
		credsSlice, err = pgx.CollectRows(rows, pgx.RowToStructByName[model.Credential])
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("list credentials: %w", err)
	}

	creds := make([]*model.Credential, len(credsSlice))
	for i := range credsSlice {
		creds[i] = &credsSlice[i]
	}

	return creds, nil
}

// Update modifies a credential's name or value, returning the updated
// credential with decrypted value.
func (r *CredentialRepo) Update(ctx context.Context, id string, req model.UpdateCredentialRequest) (*model.Credential, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	setParts := make([]string, 0, 2)
	args := make([]any, 0, 3)
	argIdx := 1

	if req.Name != nil {
		setParts = append(setParts, fmt.Sprintf("name = $%d", argIdx))
		args = append(args, *req.Name)
		argIdx++
	}
	if req.Value != nil {
		cipher, err := r.Enc.Encrypt([]byte(*req.Value))
		if err != nil {
			return nil, fmt.Errorf("encrypt: %w", err)
		}
		setParts = append(setParts, fmt.Sprintf("value = $%d", argIdx))
		args = append(args, cipher)
		argIdx++
	}

	args = append(args, id)
	query := "UPDATE credentials SET " + strings.Join(setParts, ", ") +
		", updated_at = now()" +
		fmt.Sprintf(" WHERE id = $%d RETURNING ", argIdx) + credentialColumns

	var out model.Credential
	err := pgxutil.WithPgxConn(ctx, r.DB, func(conn *pgx.Conn) error {
		rows, queryErr := conn.Query(ctx, query, args...)
		if queryErr != nil {
			return queryErr
		}
		defer rows.Close()
		out, queryErr = pgx.CollectOneRow(rows, pgx.RowToStructByName[model.Credential])
		return queryErr
	})
	if err != nil {
		return nil, r.mapCredentialWriteErr(err, true)
	}

	if decryptErr := r.decryptCredentialValue(&out); decryptErr != nil {
		return nil, decryptErr
	}

	return &out, nil
}

// Delete removes a credential by ID.
func (r *CredentialRepo) Delete(ctx context.Context, id string) (bool, error) {
	var affected int64
	err := pgxutil.WithPgxConn(ctx, r.DB, func(conn *pgx.Conn) error {
		ct, err := conn.Exec(ctx, `DELETE FROM credentials WHERE id = $1`, id)
		if err != nil {
			return err
		}
		affected = ct.RowsAffected()
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("delete credential: %w", err)
	}
	return affected > 0, nil
}
