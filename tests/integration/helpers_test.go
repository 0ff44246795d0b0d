//go:build integration

package integration

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/bissquit/signup-approval/internal/mailqueue"
	"github.com/bissquit/signup-approval/internal/testutil"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

// userRow is the persisted state of a user as the tests see it.
type userRow struct {
	Name            string
	Email           string
	PlayerID        string
	Verified        bool
	Notified        bool
	EmailSent       bool
	ApprovalEmailID *string
}

// uniqueUID returns a uid no other test uses.
func uniqueUID(prefix string) string {
	return prefix + "-" + uuid.NewString()[:8]
}

// signupPayload builds a valid signup request body.
func signupPayload(uid, role, playerID string) map[string]interface{} {
	payload := map[string]interface{}{
		"uid":   uid,
		"name":  "Ann " + uid,
		"email": uid + "@example.com",
		"role":  role,
	}
	if playerID != "" {
		payload["playerId"] = playerID
	}
	return payload
}

// registerUser submits a signup and asserts it was accepted.
func registerUser(t *testing.T, client *testutil.Client, uid, role, playerID string) {
	t.Helper()

	resp, err := client.Signup(signupPayload(uid, role, playerID))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode, "signup must succeed")
}

// approveUser opens the approval link and asserts the success page.
func approveUser(t *testing.T, client *testutil.Client, uid, role string) {
	t.Helper()

	resp, err := client.Approve(uid, role)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode, "approval must succeed")
}

// getUserRow reads a user straight from the database.
func getUserRow(t *testing.T, uid, role string) userRow {
	t.Helper()

	var row userRow
	err := testDB.QueryRow(context.Background(), `
		SELECT name, email, player_id, verified, notified, email_sent, approval_email_id
		FROM users WHERE role = $1 AND uid = $2
	`, role, uid).Scan(&row.Name, &row.Email, &row.PlayerID, &row.Verified, &row.Notified, &row.EmailSent, &row.ApprovalEmailID)
	require.NoError(t, err)
	return row
}

// countAdminEntries returns how many signup notifications mention uid.
func countAdminEntries(t *testing.T, uid string) int {
	t.Helper()

	var n int
	err := testDB.QueryRow(context.Background(), `
		SELECT COUNT(*) FROM email_queue
		WHERE type = $1 AND recipient = $2 AND body LIKE '%' || $3 || '%'
	`, mailqueue.EntryTypeSignup, testAdminEmail, uid).Scan(&n)
	require.NoError(t, err)
	return n
}

// countApprovalEntries returns how many approval emails target the user.
func countApprovalEntries(t *testing.T, uid, role string) int {
	t.Helper()

	var n int
	err := testDB.QueryRow(context.Background(), `
		SELECT COUNT(*) FROM email_queue
		WHERE type = $1 AND target_role = $2 AND target_uid = $3
	`, mailqueue.EntryTypeUserApproval, role, uid).Scan(&n)
	require.NoError(t, err)
	return n
}

// approvalEntryStatus returns the status of the user's current approval email.
func approvalEntryStatus(t *testing.T, id string) mailqueue.Status {
	t.Helper()

	var status string
	err := testDB.QueryRow(context.Background(),
		`SELECT status FROM email_queue WHERE id = $1`, id,
	).Scan(&status)
	require.NoError(t, err)
	return mailqueue.Status(status)
}

// resetMail clears the queue table and the Mailpit inbox so a test starts
// with no deliverable entries of other tests.
func resetMail(t *testing.T) {
	t.Helper()

	_, err := testDB.Exec(context.Background(), `DELETE FROM email_queue`)
	require.NoError(t, err)
	require.NoError(t, mailpitClient.DeleteAllMessages())
}

// runCycle runs one delivery cycle of the application engine.
func runCycle(t *testing.T) mailqueue.CycleResult {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	result, err := testEngine.RunCycle(ctx)
	require.NoError(t, err)
	return result
}
