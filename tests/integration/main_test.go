//go:build integration

package integration

import (
	"context"
	"log"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/bissquit/signup-approval/internal/app"
	"github.com/bissquit/signup-approval/internal/config"
	"github.com/bissquit/signup-approval/internal/mailqueue"
	"github.com/bissquit/signup-approval/internal/testutil"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	testAdminEmail = "admin@example.com"
	testBaseURL    = "https://signup.example.com"
)

var (
	testServer    *httptest.Server
	testValidator *testutil.OpenAPIValidator
	testDB        *pgxpool.Pool
	testEngine    *mailqueue.Engine

	redisContainer   *testutil.RedisContainer
	mailpitContainer *testutil.MailpitContainer
	mailpitClient    *MailpitClient
	fakePush         *FakeOneSignal
)

// OpenAPI spec path relative to the tests/integration directory.
const openAPISpecPath = "../../api/openapi/openapi.yaml"

// newTestClient creates a new test client with OpenAPI validation enabled.
// Use this at the beginning of each test that makes API calls.
func newTestClient(t *testing.T) *testutil.Client {
	t.Helper()
	client := testutil.NewClientWithValidator(testServer.URL, testValidator)
	client.SetT(t)
	return client
}

// newTestClientWithoutValidation creates a test client without OpenAPI validation.
// Use this for tests that intentionally send requests outside the contract.
func newTestClientWithoutValidation() *testutil.Client {
	return testutil.NewClient(testServer.URL)
}

func TestMain(m *testing.M) {
	ctx := context.Background()

	pgContainer, err := testutil.NewPostgresContainer(ctx)
	if err != nil {
		log.Fatalf("start postgres: %v", err)
	}
	defer func() {
		if err := pgContainer.Terminate(ctx); err != nil {
			log.Printf("terminate postgres: %v", err)
		}
	}()

	redisContainer, err = testutil.NewRedisContainer(ctx)
	if err != nil {
		log.Fatalf("start redis: %v", err)
	}
	defer func() {
		if err := redisContainer.Terminate(ctx); err != nil {
			log.Printf("terminate redis: %v", err)
		}
	}()

	mailpitContainer, err = testutil.NewMailpitContainer(ctx)
	if err != nil {
		log.Fatalf("start mailpit: %v", err)
	}
	defer func() {
		if err := mailpitContainer.Terminate(ctx); err != nil {
			log.Printf("terminate mailpit: %v", err)
		}
	}()

	mailpitClient = NewMailpitClient(mailpitContainer.APIHost, mailpitContainer.APIPort)

	fakePush = NewFakeOneSignal()
	defer fakePush.Close()

	cfg := config.Default()
	// The API alone runs in-process. Tests drive delivery cycles through
	// testEngine so no background worker competes for queue entries.
	cfg.Mode = config.ModeAPI
	cfg.Server.Host = "127.0.0.1"
	cfg.Server.Port = "0"
	cfg.Server.MetricsPort = "0"
	cfg.Database.Driver = config.DriverPostgres
	cfg.Database.URL = pgContainer.ConnectionString
	cfg.Database.MaxOpenConns = 5
	cfg.Database.MaxIdleConns = 2
	cfg.Database.AutoMigrate = true
	cfg.Log.Level = "error"
	cfg.Log.Format = "text"
	cfg.Approval.AdminEmail = testAdminEmail
	cfg.Approval.BaseURL = testBaseURL
	cfg.Mail.Enabled = true
	cfg.Mail.SMTPHost = mailpitContainer.SMTPHost
	cfg.Mail.SMTPPort = mailpitContainer.SMTPPort
	cfg.Mail.FromAddress = "noreply@example.com"
	cfg.Mail.RequireTLS = false
	cfg.Push.Enabled = true
	cfg.Push.AppID = "test-app"
	cfg.Push.APIKey = "test-key"
	cfg.Push.APIURL = fakePush.URL()
	cfg.Queue.SendTimeout = 10 * time.Second

	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid test config: %v", err)
	}

	application, err := app.New(&cfg)
	if err != nil {
		log.Fatalf("create app: %v", err)
	}
	testEngine = application.Engine()

	// Direct DB connection for tests that inspect or seed rows
	testDB, err = pgxpool.New(ctx, pgContainer.ConnectionString)
	if err != nil {
		log.Fatalf("create test db pool: %v", err)
	}

	testServer = httptest.NewServer(application.Router())

	testValidator, err = testutil.LoadOpenAPIValidator(openAPISpecPath)
	if err != nil {
		log.Fatalf("load OpenAPI validator: %v", err)
	}

	code := m.Run()

	testServer.Close()
	testDB.Close()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := application.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown app: %v", err)
	}

	os.Exit(code)
}
