package main

import (
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/peterbourgon/ff/v4"
	"github.com/peterbourgon/ff/v4/ffhelp"
	"golang.org/x/crypto/bcrypt"

	"github.com/expensetrack/expensetrack/internal/expense"
	"github.com/expensetrack/expensetrack/internal/extraction"
	"github.com/expensetrack/expensetrack/internal/normalize"
)

//go:embed VERSION.txt
var versionFile string

var version = strings.TrimSpace(versionFile)

func main() {
	fs := ff.NewFlagSet("expensetrack")
	var (
		port          = fs.IntLong("port", 8080, "HTTP server port")
		dbPath        = fs.StringLong("db", "expensetrack.db", "Database file path")
		storagePath   = fs.StringLong("storage", "./blobs", "Blob storage directory path")
		baseURL       = fs.StringLong("base-url", "http://localhost:8080", "Public base URL for signed file links")
		signSecret    = fs.StringLong("sign-secret", "", "Secret for signing time-limited file URLs")
		maxUpload     = fs.IntLong("max-upload-bytes", normalize.DefaultMaxBytes, "Upload size cap in bytes")
		pdfPolicy     = fs.StringLong("pdf-policy", "text", "PDF handling: 'text', 'rasterize' or 'reject'")
		extractorType = fs.StringLong("extractor", "gemini", "Extraction provider: 'gemini' or 'ollama'")
		geminiKey     = fs.StringLong("gemini-key", "", "Google Gemini API key (or set GEMINI_API_KEY env var)")
		geminiModel   = fs.StringLong("gemini-model", "gemini-2.5-pro", "Google Gemini model name")
		ollamaURL     = fs.StringLong("ollama-url", "http://localhost:11434", "Ollama API base URL")
		ollamaModel   = fs.StringLong("ollama-model", "llava", "Ollama model name")
		retryAttempts = fs.IntLong("read-retry-attempts", 3, "Bounded retry attempts for the expense read path")
		retryDelay    = fs.DurationLong("read-retry-delay", time.Second, "Fixed delay between read retries")
		adminUser     = fs.StringLong("admin-user", "admin", "Bootstrap admin username")
		adminPass     = fs.StringLong("admin-pass", "", "Bootstrap admin password (created on first run)")
		showVersion   = fs.BoolLong("version", "Show version information")
	)

	if err := ff.Parse(fs, os.Args[1:],
		ff.WithEnvVarPrefix("EXPENSETRACK"),
	); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", ffhelp.Flags(fs))
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	if *showVersion {
		fmt.Println(version)
		os.Exit(0)
	}

	if *signSecret == "" {
		slog.Error("A signing secret is required. Set --sign-secret or EXPENSETRACK_SIGN_SECRET")
		os.Exit(1)
	}

	policy := normalize.PDFPolicy(*pdfPolicy)
	switch policy {
	case normalize.PDFText, normalize.PDFRasterize, normalize.PDFReject:
	default:
		slog.Error("Invalid PDF policy", "policy", *pdfPolicy, "valid", "text, rasterize or reject")
		os.Exit(1)
	}

	slog.Info("Initializing database...")
	db, err := expense.NewBoltDB(*dbPath)
	if err != nil {
		slog.Error("Failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	if err := bootstrap(db, *adminUser, *adminPass); err != nil {
		slog.Error("Failed to bootstrap database", "error", err)
		os.Exit(1)
	}

	var provider extraction.Provider
	switch *extractorType {
	case "gemini":
		apiKey := *geminiKey
		if apiKey == "" {
			apiKey = os.Getenv("GEMINI_API_KEY")
		}
		if apiKey == "" {
			slog.Error("Gemini API key is required. Set --gemini-key flag or GEMINI_API_KEY environment variable")
			os.Exit(1)
		}
		slog.Info("Initializing Gemini extractor...", "model", *geminiModel)
		provider, err = extraction.NewGemini(apiKey, *geminiModel)
		if err != nil {
			slog.Error("Failed to initialize Gemini", "error", err)
			os.Exit(1)
		}
	case "ollama":
		slog.Info("Initializing Ollama extractor...", "url", *ollamaURL, "model", *ollamaModel)
		provider, err = extraction.NewOllama(*ollamaURL, *ollamaModel)
		if err != nil {
			slog.Error("Failed to initialize Ollama", "error", err)
			os.Exit(1)
		}
	default:
		slog.Error("Invalid extractor type", "type", *extractorType, "valid", "gemini or ollama")
		os.Exit(1)
	}
	engine := extraction.NewEngine(provider)
	defer engine.Close()

	slog.Info("Initializing blob storage...", "path", *storagePath)
	store, err := expense.NewLocalStorage(*storagePath, *baseURL, []byte(*signSecret))
	if err != nil {
		slog.Error("Failed to initialize storage", "error", err)
		os.Exit(1)
	}

	normalizer := normalize.NewNormalizer(int64(*maxUpload), policy)
	retry := expense.RetryPolicy{Attempts: *retryAttempts, Delay: *retryDelay}
	service := expense.NewService(db, store, normalizer, engine, retry)
	server := expense.NewServer(service, db, store, int64(*maxUpload))

	addr := fmt.Sprintf(":%d", *port)
	go func() {
		if err := server.Start(addr); err != nil {
			slog.Error("Server error", "error", err)
			os.Exit(1)
		}
	}()

	slog.Info("Server started", "address", fmt.Sprintf("http://localhost%s", addr), "version", version)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	slog.Info("Shutting down...")
}

// bootstrap creates the admin account on first run and seeds the lookup
// tables when they are empty.
func bootstrap(db expense.DB, adminUser, adminPass string) error {
	if _, err := db.GetUserByUsername(adminUser); errors.Is(err, expense.ErrNotFound) {
		if adminPass == "" {
			slog.Warn("No admin password set; skipping admin bootstrap", "user", adminUser)
		} else {
			hash, err := bcrypt.GenerateFromPassword([]byte(adminPass), bcrypt.DefaultCost)
			if err != nil {
				return fmt.Errorf("hashing admin password: %w", err)
			}
			if err := db.SaveUser(&expense.User{
				ID:           uuid.NewString(),
				Username:     adminUser,
				PasswordHash: string(hash),
				Role:         expense.RoleAdmin,
				CreatedAt:    time.Now(),
			}); err != nil {
				return fmt.Errorf("creating admin user: %w", err)
			}
			slog.Info("Created admin user", "user", adminUser)
		}
	}

	categories, err := db.ListCategories()
	if err != nil {
		return fmt.Errorf("listing categories: %w", err)
	}
	if len(categories) == 0 {
		for _, name := range []string{"Travel", "Meals", "Office Supplies", "Software", "Other"} {
			if err := db.SaveCategory(&expense.Category{ID: uuid.NewString(), Name: name}); err != nil {
				return fmt.Errorf("seeding category %q: %w", name, err)
			}
		}
	}

	departments, err := db.ListDepartments()
	if err != nil {
		return fmt.Errorf("listing departments: %w", err)
	}
	if len(departments) == 0 {
		seed := []expense.Department{
			{Code: "ENG", Name: "Engineering"},
			{Code: "SLS", Name: "Sales"},
			{Code: "OPS", Name: "Operations"},
			{Code: "FIN", Name: "Finance"},
		}
		for _, d := range seed {
			d.ID = uuid.NewString()
			if err := db.SaveDepartment(&d); err != nil {
				return fmt.Errorf("seeding department %q: %w", d.Code, err)
			}
		}
	}

	return nil
}
