//go:build integration

package integration

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bissquit/signup-approval/internal/domain"
	"github.com/bissquit/signup-approval/internal/signup"
	signuppostgres "github.com/bissquit/signup-approval/internal/signup/postgres"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedUser(t *testing.T, repo *signuppostgres.Repository, role domain.Role) domain.UserRef {
	t.Helper()

	user := &domain.User{
		UID:   uniqueUID("repo"),
		Name:  "Ann",
		Email: "ann@example.com",
		Role:  role,
	}
	require.NoError(t, repo.UpsertPending(t.Context(), user))
	return user.Ref()
}

func TestUsersPostgres_UpsertKeepsFlags(t *testing.T) {
	repo := signuppostgres.NewRepository(testDB)
	ref := seedUser(t, repo, domain.RoleStaff)

	verifiedAt := time.Now().UTC().Truncate(time.Millisecond)
	require.NoError(t, repo.MarkVerified(t.Context(), ref, verifiedAt))
	require.NoError(t, repo.MarkEmailSent(t.Context(), ref))

	again := &domain.User{UID: ref.UID, Role: ref.Role, Name: "Ann B", Email: "annb@example.com", PlayerID: "p9"}
	require.NoError(t, repo.UpsertPending(t.Context(), again))
	assert.True(t, again.Verified)
	assert.True(t, again.EmailSent)

	got, err := repo.GetUser(t.Context(), ref)
	require.NoError(t, err)
	assert.Equal(t, "Ann B", got.Name)
	assert.Equal(t, "p9", got.PlayerID)
	assert.True(t, got.Verified)
	require.NotNil(t, got.VerifiedAt)
	assert.WithinDuration(t, verifiedAt, *got.VerifiedAt, time.Millisecond)
}

func TestUsersPostgres_NotFound(t *testing.T) {
	repo := signuppostgres.NewRepository(testDB)
	ref := domain.UserRef{Role: domain.RoleUser, UID: uniqueUID("missing")}

	_, err := repo.GetUser(t.Context(), ref)
	assert.ErrorIs(t, err, signup.ErrUserNotFound)

	err = repo.MarkVerified(t.Context(), ref, time.Now())
	assert.ErrorIs(t, err, signup.ErrUserNotFound)
}

func TestUsersPostgres_NotifyLeaseSingleWinner(t *testing.T) {
	repo := signuppostgres.NewRepository(testDB)
	ref := seedUser(t, repo, domain.RoleRP)

	now := time.Now()
	var (
		wg   sync.WaitGroup
		wins atomic.Int32
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := repo.AcquireNotifyLease(t.Context(), ref, now, now.Add(time.Minute))
			if assert.NoError(t, err) && ok {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())

	// Expired leases can be taken over.
	ok, err := repo.AcquireNotifyLease(t.Context(), ref, now.Add(2*time.Minute), now.Add(3*time.Minute))
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, repo.ReleaseNotifyLease(t.Context(), ref))
	ok, err = repo.AcquireNotifyLease(t.Context(), ref, now, now.Add(time.Minute))
	require.NoError(t, err)
	assert.True(t, ok, "released lease is free")

	require.NoError(t, repo.LatchNotified(t.Context(), ref))
	ok, err = repo.AcquireNotifyLease(t.Context(), ref, now.Add(time.Hour), now.Add(2*time.Hour))
	require.NoError(t, err)
	assert.False(t, ok, "notified users never get another lease")
}

func TestUsersPostgres_SwapApprovalEmail(t *testing.T) {
	repo := signuppostgres.NewRepository(testDB)
	ref := seedUser(t, repo, domain.RoleUser)

	claimedAt := time.Now().UTC().Truncate(time.Millisecond)
	won, err := repo.SwapApprovalEmail(t.Context(), ref, "", "first", claimedAt)
	require.NoError(t, err)
	assert.True(t, won)

	got, err := repo.GetUser(t.Context(), ref)
	require.NoError(t, err)
	require.NotNil(t, got.ApprovalClaimedAt)
	assert.True(t, claimedAt.Equal(*got.ApprovalClaimedAt))

	won, err = repo.SwapApprovalEmail(t.Context(), ref, "", "second", claimedAt)
	require.NoError(t, err)
	assert.False(t, won, "stale expectation loses")

	won, err = repo.SwapApprovalEmail(t.Context(), ref, "first", "", claimedAt)
	require.NoError(t, err)
	assert.True(t, won)

	got, err = repo.GetUser(t.Context(), ref)
	require.NoError(t, err)
	assert.Empty(t, got.ApprovalEmailID)
	assert.Nil(t, got.ApprovalClaimedAt)

	require.NoError(t, repo.MarkEmailSent(t.Context(), ref))
	won, err = repo.SwapApprovalEmail(t.Context(), ref, "", "third", claimedAt)
	require.NoError(t, err)
	assert.False(t, won, "no swap after the email is sent")
}

func TestUsersPostgres_Ping(t *testing.T) {
	repo := signuppostgres.NewRepository(testDB)
	assert.NoError(t, repo.Ping(t.Context()))
}
