package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"participa/internal/core"
	"participa/internal/ports"

	_ "modernc.org/sqlite"
)

var _ ports.Store = (*SQLiteRepository)(nil)

type SQLiteRepository struct {
	db  *sql.DB
	now func() time.Time
}

func NewSQLiteRepository(dbPath string) (*SQLiteRepository, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	dsn := dbPath + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	// A single connection serializes writers so transactions never hit SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	// Run migrations
	if err := RunMigrations(dbPath); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &SQLiteRepository{db: db, now: time.Now}, nil
}

func (r *SQLiteRepository) Close() error {
	if r.db != nil {
		return r.db.Close()
	}
	return nil
}

// Ping reports whether the database is reachable.
func (r *SQLiteRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

func (r *SQLiteRepository) withTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			slog.ErrorContext(ctx, "Failed to rollback transaction", "error", rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func (r *SQLiteRepository) timestamp() string {
	return formatTime(r.now())
}

// timeLayout is fixed width so stored timestamps sort as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func parseNullTime(s sql.NullString) time.Time {
	if !s.Valid {
		return time.Time{}
	}
	return parseTime(s.String)
}

func boolInt(b bool) int64 {
	if b {
		return 1
	}
	return 0
}

func notFound(err error, kind string, id any) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s %v: %w", kind, id, core.ErrNotFound)
	}
	return fmt.Errorf("get %s %v: %w", kind, id, err)
}

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Budgets

const budgetColumns = `id, name, slug, currency_symbol, phase, published, voting_style, created_at`

func scanBudget(row interface{ Scan(...any) error }) (core.Budget, error) {
	var (
		b         core.Budget
		published int64
		createdAt string
	)
	if err := row.Scan(&b.ID, &b.Name, &b.Slug, &b.CurrencySymbol, &b.Phase, &published, &b.VotingStyle, &createdAt); err != nil {
		return core.Budget{}, err
	}
	b.Published = published != 0
	b.CreatedAt = parseTime(createdAt)
	return b, nil
}

func (r *SQLiteRepository) CreateBudget(ctx context.Context, b core.Budget) (core.Budget, error) {
	if b.CreatedAt.IsZero() {
		b.CreatedAt = r.now().UTC()
	}
	res, err := r.db.ExecContext(ctx,
		`INSERT INTO budgets (name, slug, currency_symbol, phase, published, voting_style, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		b.Name, b.Slug, b.CurrencySymbol, string(b.Phase), boolInt(b.Published), string(b.VotingStyle), formatTime(b.CreatedAt))
	if err != nil {
		return core.Budget{}, fmt.Errorf("insert budget: %w", err)
	}
	if b.ID, err = res.LastInsertId(); err != nil {
		return core.Budget{}, fmt.Errorf("budget id: %w", err)
	}
	return b, nil
}

func (r *SQLiteRepository) GetBudget(ctx context.Context, id int64) (core.Budget, error) {
	return getBudget(ctx, r.db, id)
}

func getBudget(ctx context.Context, q queryer, id int64) (core.Budget, error) {
	b, err := scanBudget(q.QueryRowContext(ctx, `SELECT `+budgetColumns+` FROM budgets WHERE id = ?`, id))
	if err != nil {
		return core.Budget{}, notFound(err, "budget", id)
	}
	return b, nil
}

// GetBudgetBySlug returns the oldest budget with the slug.
func (r *SQLiteRepository) GetBudgetBySlug(ctx context.Context, slug string) (core.Budget, error) {
	b, err := scanBudget(r.db.QueryRowContext(ctx,
		`SELECT `+budgetColumns+` FROM budgets WHERE slug = ? ORDER BY id LIMIT 1`, slug))
	if err != nil {
		return core.Budget{}, notFound(err, "budget", slug)
	}
	return b, nil
}

func (r *SQLiteRepository) ListBudgets(ctx context.Context, filter ports.BudgetFilter, limit, offset int) ([]core.Budget, error) {
	query := `SELECT ` + budgetColumns + ` FROM budgets`
	var args []any
	switch filter {
	case ports.FilterOpen:
		query += ` WHERE phase <> ?`
		args = append(args, string(core.PhaseFinished))
	case ports.FilterFinished:
		query += ` WHERE phase = ?`
		args = append(args, string(core.PhaseFinished))
	}
	if limit <= 0 {
		limit = -1
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`
	args = append(args, limit, offset)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list budgets: %w", err)
	}
	defer rows.Close()

	budgets := []core.Budget{}
	for rows.Next() {
		b, err := scanBudget(rows)
		if err != nil {
			return nil, fmt.Errorf("scan budget: %w", err)
		}
		budgets = append(budgets, b)
	}
	return budgets, rows.Err()
}

func (r *SQLiteRepository) UpdateBudget(ctx context.Context, b core.Budget) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE budgets SET name = ?, slug = ?, currency_symbol = ?, phase = ?, published = ?, voting_style = ?
		 WHERE id = ?`,
		b.Name, b.Slug, b.CurrencySymbol, string(b.Phase), boolInt(b.Published), string(b.VotingStyle), b.ID)
	if err != nil {
		return fmt.Errorf("update budget: %w", err)
	}
	return expectOne(res, "budget", b.ID)
}

// DeleteBudget removes an empty budget with its groups, headings, results
// and runs. It refuses while any investment exists.
func (r *SQLiteRepository) DeleteBudget(ctx context.Context, id int64) error {
	return r.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := getBudget(ctx, tx, id); err != nil {
			return err
		}
		var investments int64
		if err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM investments i JOIN headings h ON h.id = i.heading_id WHERE h.budget_id = ?`,
			id).Scan(&investments); err != nil {
			return fmt.Errorf("count investments: %w", err)
		}
		if investments > 0 {
			return core.ErrBudgetHasInvestments
		}
		for _, stmt := range []string{
			`DELETE FROM calculation_runs WHERE budget_id = ?`,
			`DELETE FROM heading_results WHERE budget_id = ?`,
			`DELETE FROM ballots WHERE heading_id IN (SELECT id FROM headings WHERE budget_id = ?)`,
			`DELETE FROM headings WHERE budget_id = ?`,
			`DELETE FROM budget_groups WHERE budget_id = ?`,
			`DELETE FROM budgets WHERE id = ?`,
		} {
			if _, err := tx.ExecContext(ctx, stmt, id); err != nil {
				return fmt.Errorf("delete budget: %w", err)
			}
		}
		return nil
	})
}

// Groups

func scanGroup(row interface{ Scan(...any) error }) (core.Group, error) {
	var g core.Group
	err := row.Scan(&g.ID, &g.BudgetID, &g.Name, &g.Slug, &g.MaxVotableHeadings)
	return g, err
}

func (r *SQLiteRepository) CreateGroup(ctx context.Context, g core.Group) (core.Group, error) {
	if _, err := r.GetBudget(ctx, g.BudgetID); err != nil {
		return core.Group{}, err
	}
	res, err := r.db.ExecContext(ctx,
		`INSERT INTO budget_groups (budget_id, name, slug, max_votable_headings) VALUES (?, ?, ?, ?)`,
		g.BudgetID, g.Name, g.Slug, g.MaxVotableHeadings)
	if err != nil {
		return core.Group{}, fmt.Errorf("insert group: %w", err)
	}
	if g.ID, err = res.LastInsertId(); err != nil {
		return core.Group{}, fmt.Errorf("group id: %w", err)
	}
	return g, nil
}

func (r *SQLiteRepository) GetGroup(ctx context.Context, budgetID, groupID int64) (core.Group, error) {
	g, err := scanGroup(r.db.QueryRowContext(ctx,
		`SELECT id, budget_id, name, slug, max_votable_headings FROM budget_groups WHERE id = ? AND budget_id = ?`,
		groupID, budgetID))
	if err != nil {
		return core.Group{}, notFound(err, "group", groupID)
	}
	return g, nil
}

func (r *SQLiteRepository) GetGroupBySlug(ctx context.Context, budgetID int64, slug string) (core.Group, error) {
	g, err := scanGroup(r.db.QueryRowContext(ctx,
		`SELECT id, budget_id, name, slug, max_votable_headings FROM budget_groups
		 WHERE budget_id = ? AND slug = ? ORDER BY id LIMIT 1`,
		budgetID, slug))
	if err != nil {
		return core.Group{}, notFound(err, "group", slug)
	}
	return g, nil
}

func (r *SQLiteRepository) ListGroups(ctx context.Context, budgetID int64) ([]core.Group, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, budget_id, name, slug, max_votable_headings FROM budget_groups WHERE budget_id = ? ORDER BY id`,
		budgetID)
	if err != nil {
		return nil, fmt.Errorf("list groups: %w", err)
	}
	defer rows.Close()

	groups := []core.Group{}
	for rows.Next() {
		g, err := scanGroup(rows)
		if err != nil {
			return nil, fmt.Errorf("scan group: %w", err)
		}
		groups = append(groups, g)
	}
	return groups, rows.Err()
}

func (r *SQLiteRepository) UpdateGroup(ctx context.Context, g core.Group) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE budget_groups SET name = ?, slug = ?, max_votable_headings = ? WHERE id = ? AND budget_id = ?`,
		g.Name, g.Slug, g.MaxVotableHeadings, g.ID, g.BudgetID)
	if err != nil {
		return fmt.Errorf("update group: %w", err)
	}
	return expectOne(res, "group", g.ID)
}

func (r *SQLiteRepository) DeleteGroup(ctx context.Context, budgetID, groupID int64) error {
	return r.withTx(ctx, func(tx *sql.Tx) error {
		var headings int64
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM headings WHERE group_id = ?`, groupID).Scan(&headings); err != nil {
			return fmt.Errorf("count headings: %w", err)
		}
		if headings > 0 {
			return core.ErrGroupHasHeadings
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM budget_groups WHERE id = ? AND budget_id = ?`, groupID, budgetID)
		if err != nil {
			return fmt.Errorf("delete group: %w", err)
		}
		return expectOne(res, "group", groupID)
	})
}

// Headings

const headingColumns = `id, group_id, budget_id, name, amount_cents, population, generation`

func scanHeading(row interface{ Scan(...any) error }) (core.Heading, error) {
	var h core.Heading
	err := row.Scan(&h.ID, &h.GroupID, &h.BudgetID, &h.Name, &h.Amount.Cents, &h.Population, &h.Generation)
	return h, err
}

func (r *SQLiteRepository) CreateHeading(ctx context.Context, h core.Heading) (core.Heading, error) {
	var budgetID int64
	if err := r.db.QueryRowContext(ctx, `SELECT budget_id FROM budget_groups WHERE id = ?`, h.GroupID).Scan(&budgetID); err != nil {
		return core.Heading{}, notFound(err, "group", h.GroupID)
	}
	h.BudgetID = budgetID
	h.Generation = 0
	res, err := r.db.ExecContext(ctx,
		`INSERT INTO headings (group_id, budget_id, name, amount_cents, population) VALUES (?, ?, ?, ?, ?)`,
		h.GroupID, h.BudgetID, h.Name, h.Amount.Cents, h.Population)
	if err != nil {
		return core.Heading{}, fmt.Errorf("insert heading: %w", err)
	}
	if h.ID, err = res.LastInsertId(); err != nil {
		return core.Heading{}, fmt.Errorf("heading id: %w", err)
	}
	return h, nil
}

func (r *SQLiteRepository) GetHeading(ctx context.Context, id int64) (core.Heading, error) {
	return getHeading(ctx, r.db, id)
}

func getHeading(ctx context.Context, q queryer, id int64) (core.Heading, error) {
	h, err := scanHeading(q.QueryRowContext(ctx, `SELECT `+headingColumns+` FROM headings WHERE id = ?`, id))
	if err != nil {
		return core.Heading{}, notFound(err, "heading", id)
	}
	return h, nil
}

func (r *SQLiteRepository) ListHeadings(ctx context.Context, budgetID int64) ([]core.Heading, error) {
	return r.listHeadings(ctx, `SELECT `+headingColumns+` FROM headings WHERE budget_id = ? ORDER BY id`, budgetID)
}

func (r *SQLiteRepository) ListGroupHeadings(ctx context.Context, groupID int64) ([]core.Heading, error) {
	return r.listHeadings(ctx, `SELECT `+headingColumns+` FROM headings WHERE group_id = ? ORDER BY id`, groupID)
}

func (r *SQLiteRepository) listHeadings(ctx context.Context, query string, arg int64) ([]core.Heading, error) {
	rows, err := r.db.QueryContext(ctx, query, arg)
	if err != nil {
		return nil, fmt.Errorf("list headings: %w", err)
	}
	defer rows.Close()

	headings := []core.Heading{}
	for rows.Next() {
		h, err := scanHeading(rows)
		if err != nil {
			return nil, fmt.Errorf("scan heading: %w", err)
		}
		headings = append(headings, h)
	}
	return headings, rows.Err()
}

// Investments

func (r *SQLiteRepository) CreateInvestment(ctx context.Context, inv core.Investment) (core.Investment, error) {
	if _, err := r.GetHeading(ctx, inv.HeadingID); err != nil {
		return core.Investment{}, err
	}
	if inv.CreatedAt.IsZero() {
		inv.CreatedAt = r.now().UTC()
	}
	inv.Winner = core.WinnerUndecided
	res, err := r.db.ExecContext(ctx,
		`INSERT INTO investments (heading_id, title, cost_cents, winner, created_at) VALUES (?, ?, ?, ?, ?)`,
		inv.HeadingID, inv.Title, inv.Cost.Cents, string(inv.Winner), formatTime(inv.CreatedAt))
	if err != nil {
		return core.Investment{}, fmt.Errorf("insert investment: %w", err)
	}
	if inv.ID, err = res.LastInsertId(); err != nil {
		return core.Investment{}, fmt.Errorf("investment id: %w", err)
	}
	return inv, nil
}

func (r *SQLiteRepository) ListInvestments(ctx context.Context, headingID int64) ([]core.Investment, error) {
	return listInvestments(ctx, r.db, headingID)
}

func listInvestments(ctx context.Context, q queryer, headingID int64) ([]core.Investment, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT id, heading_id, title, cost_cents, winner, created_at FROM investments WHERE heading_id = ? ORDER BY id`,
		headingID)
	if err != nil {
		return nil, fmt.Errorf("list investments: %w", err)
	}
	defer rows.Close()

	investments := []core.Investment{}
	for rows.Next() {
		var (
			inv       core.Investment
			createdAt string
		)
		if err := rows.Scan(&inv.ID, &inv.HeadingID, &inv.Title, &inv.Cost.Cents, &inv.Winner, &createdAt); err != nil {
			return nil, fmt.Errorf("scan investment: %w", err)
		}
		inv.CreatedAt = parseTime(createdAt)
		investments = append(investments, inv)
	}
	return investments, rows.Err()
}

// Ballots

// CastBallot stores the ballot, replacing the voter's previous ballot for
// the heading together with its lines.
func (r *SQLiteRepository) CastBallot(ctx context.Context, b core.Ballot) (core.Ballot, error) {
	if b.CreatedAt.IsZero() {
		b.CreatedAt = r.now().UTC()
	}
	err := r.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := getHeading(ctx, tx, b.HeadingID); err != nil {
			return err
		}
		if err := tx.QueryRowContext(ctx,
			`INSERT INTO ballots (heading_id, voter_id, created_at) VALUES (?, ?, ?)
			 ON CONFLICT (heading_id, voter_id) DO UPDATE SET created_at = excluded.created_at
			 RETURNING id`,
			b.HeadingID, b.VoterID, formatTime(b.CreatedAt)).Scan(&b.ID); err != nil {
			return fmt.Errorf("upsert ballot: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM ballot_lines WHERE ballot_id = ?`, b.ID); err != nil {
			return fmt.Errorf("clear ballot lines: %w", err)
		}
		for pos, id := range b.InvestmentIDs {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO ballot_lines (ballot_id, position, investment_id) VALUES (?, ?, ?)`,
				b.ID, pos, id); err != nil {
				return fmt.Errorf("insert ballot line: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return core.Ballot{}, err
	}
	return b, nil
}

// CountVoterHeadings counts the headings of the group, other than
// exceptHeadingID, in which the voter has a ballot.
func (r *SQLiteRepository) CountVoterHeadings(ctx context.Context, groupID int64, voterID string, exceptHeadingID int64) (int, error) {
	var n int
	if err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(DISTINCT b.heading_id)
		 FROM ballots b JOIN headings h ON h.id = b.heading_id
		 WHERE h.group_id = ? AND b.voter_id = ? AND b.heading_id <> ?`,
		groupID, voterID, exceptHeadingID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count voter headings: %w", err)
	}
	return n, nil
}

// HeadingSnapshot reads the budget, heading, investments and ballots of a
// heading inside one read transaction.
func (r *SQLiteRepository) HeadingSnapshot(ctx context.Context, headingID int64) (core.HeadingSnapshot, error) {
	var snap core.HeadingSnapshot
	err := r.withTx(ctx, func(tx *sql.Tx) error {
		h, err := getHeading(ctx, tx, headingID)
		if err != nil {
			return err
		}
		b, err := getBudget(ctx, tx, h.BudgetID)
		if err != nil {
			return err
		}
		investments, err := listInvestments(ctx, tx, headingID)
		if err != nil {
			return err
		}
		ballots, err := listBallots(ctx, tx, headingID)
		if err != nil {
			return err
		}
		snap = core.HeadingSnapshot{Budget: b, Heading: h, Investments: investments, Ballots: ballots}
		return nil
	})
	return snap, err
}

func listBallots(ctx context.Context, q queryer, headingID int64) ([]core.Ballot, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT b.id, b.voter_id, b.created_at, l.investment_id
		 FROM ballots b JOIN ballot_lines l ON l.ballot_id = b.id
		 WHERE b.heading_id = ?
		 ORDER BY b.id, l.position`,
		headingID)
	if err != nil {
		return nil, fmt.Errorf("list ballots: %w", err)
	}
	defer rows.Close()

	var ballots []core.Ballot
	for rows.Next() {
		var (
			id           int64
			voterID      string
			createdAt    string
			investmentID int64
		)
		if err := rows.Scan(&id, &voterID, &createdAt, &investmentID); err != nil {
			return nil, fmt.Errorf("scan ballot line: %w", err)
		}
		if n := len(ballots); n == 0 || ballots[n-1].ID != id {
			ballots = append(ballots, core.Ballot{
				ID:        id,
				HeadingID: headingID,
				VoterID:   voterID,
				CreatedAt: parseTime(createdAt),
			})
		}
		last := &ballots[len(ballots)-1]
		last.InvestmentIDs = append(last.InvestmentIDs, investmentID)
	}
	return ballots, rows.Err()
}

// Results

// ReplaceResult swaps the heading's result and every investment's winner
// flag in one transaction. A result whose generation is not the heading's
// current one is rejected with core.ErrConcurrentRunConflict.
func (r *SQLiteRepository) ReplaceResult(ctx context.Context, res core.Result) error {
	return r.withTx(ctx, func(tx *sql.Tx) error {
		h, err := getHeading(ctx, tx, res.HeadingID)
		if err != nil {
			return err
		}
		if res.Generation != h.Generation {
			return fmt.Errorf("result generation %d, heading at %d: %w",
				res.Generation, h.Generation, core.ErrConcurrentRunConflict)
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM result_lines WHERE heading_id = ?`, res.HeadingID); err != nil {
			return fmt.Errorf("delete result lines: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO heading_results
			   (heading_id, budget_id, run_id, generation, voting_style, cap_cents, spent_cents, remaining_cents, approximate, checksum, calculated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT (heading_id) DO UPDATE SET
			   budget_id = excluded.budget_id,
			   run_id = excluded.run_id,
			   generation = excluded.generation,
			   voting_style = excluded.voting_style,
			   cap_cents = excluded.cap_cents,
			   spent_cents = excluded.spent_cents,
			   remaining_cents = excluded.remaining_cents,
			   approximate = excluded.approximate,
			   checksum = excluded.checksum,
			   calculated_at = excluded.calculated_at`,
			res.HeadingID, res.BudgetID, res.RunID, res.Generation, string(res.VotingStyle),
			res.Cap.Cents, res.Spent.Cents, res.Remaining.Cents, boolInt(res.Approximate),
			res.Checksum, formatTime(res.CalculatedAt)); err != nil {
			return fmt.Errorf("upsert result: %w", err)
		}

		for _, line := range res.Lines {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO result_lines (heading_id, line_rank, investment_id, cost_cents, support, selected, reason)
				 VALUES (?, ?, ?, ?, ?, ?, ?)`,
				res.HeadingID, line.Rank, line.InvestmentID, line.CostCents, line.Support,
				boolInt(line.Selected), string(line.Reason)); err != nil {
				return fmt.Errorf("insert result line: %w", err)
			}
		}

		if _, err := tx.ExecContext(ctx,
			`UPDATE investments SET winner = ? WHERE heading_id = ?`,
			string(core.WinnerNotSelected), res.HeadingID); err != nil {
			return fmt.Errorf("reset winner flags: %w", err)
		}
		for _, id := range res.SelectedIDs() {
			if _, err := tx.ExecContext(ctx,
				`UPDATE investments SET winner = ? WHERE id = ? AND heading_id = ?`,
				string(core.WinnerSelected), id, res.HeadingID); err != nil {
				return fmt.Errorf("flag winner %d: %w", id, err)
			}
		}
		return nil
	})
}

func (r *SQLiteRepository) GetResult(ctx context.Context, headingID int64) (core.Result, error) {
	var (
		res          core.Result
		approximate  int64
		calculatedAt string
	)
	err := r.db.QueryRowContext(ctx,
		`SELECT heading_id, budget_id, run_id, generation, voting_style, cap_cents, spent_cents, remaining_cents, approximate, checksum, calculated_at
		 FROM heading_results WHERE heading_id = ?`, headingID).
		Scan(&res.HeadingID, &res.BudgetID, &res.RunID, &res.Generation, &res.VotingStyle,
			&res.Cap.Cents, &res.Spent.Cents, &res.Remaining.Cents, &approximate, &res.Checksum, &calculatedAt)
	if err != nil {
		return core.Result{}, notFound(err, "result for heading", headingID)
	}
	res.Approximate = approximate != 0
	res.CalculatedAt = parseTime(calculatedAt)

	rows, err := r.db.QueryContext(ctx,
		`SELECT line_rank, investment_id, cost_cents, support, selected, reason
		 FROM result_lines WHERE heading_id = ? ORDER BY line_rank`, headingID)
	if err != nil {
		return core.Result{}, fmt.Errorf("list result lines: %w", err)
	}
	defer rows.Close()

	res.Lines = []core.ResultLine{}
	for rows.Next() {
		var (
			line     core.ResultLine
			selected int64
		)
		if err := rows.Scan(&line.Rank, &line.InvestmentID, &line.CostCents, &line.Support, &selected, &line.Reason); err != nil {
			return core.Result{}, fmt.Errorf("scan result line: %w", err)
		}
		line.Selected = selected != 0
		res.Lines = append(res.Lines, line)
	}
	return res, rows.Err()
}

func expectOne(res sql.Result, kind string, id int64) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%s %d: %w", kind, id, core.ErrNotFound)
	}
	return nil
}
