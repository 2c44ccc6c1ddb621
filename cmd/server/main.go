package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/spf13/viper"

	"github.com/parlorbooks/backend/internal/database"
	mW "github.com/parlorbooks/backend/internal/middleware"
	"github.com/parlorbooks/backend/internal/services"
)

func main() {
	// Initialize config
	viper.SetConfigFile(".env")
	viper.AutomaticEnv()
	viper.SetEnvPrefix("")

	viper.BindEnv("database.host", "DATABASE_HOST")
	viper.BindEnv("database.port", "DATABASE_PORT")
	viper.BindEnv("database.user", "DATABASE_USER")
	viper.BindEnv("database.password", "DATABASE_PASSWORD")
	viper.BindEnv("database.name", "DATABASE_NAME")
	viper.BindEnv("database.ssl_mode", "DATABASE_SSL_MODE")

	viper.BindEnv("redis.host", "REDIS_HOST")
	viper.BindEnv("redis.port", "REDIS_PORT")
	viper.BindEnv("redis.password", "REDIS_PASSWORD")
	viper.BindEnv("redis.db", "REDIS_DB")

	viper.BindEnv("jwt.secret_key", "JWT_SECRET_KEY")
	viper.BindEnv("jwt.expiry_hours", "JWT_EXPIRY_HOURS")
	viper.BindEnv("argon2.time", "ARGON2_TIME")
	viper.BindEnv("argon2.memory", "ARGON2_MEMORY")
	viper.BindEnv("argon2.threads", "ARGON2_THREADS")
	viper.BindEnv("argon2.key_length", "ARGON2_KEY_LENGTH")
	viper.BindEnv("argon2.salt_length", "ARGON2_SALT_LENGTH")

	viper.SetDefault("jwt.expiry_hours", 24)
	viper.SetDefault("argon2.time", 1)
	viper.SetDefault("argon2.memory", 64*1024)
	viper.SetDefault("argon2.threads", 4)
	viper.SetDefault("argon2.key_length", 32)
	viper.SetDefault("argon2.salt_length", 16)
	viper.SetDefault("static.dir", "./web/dist")

	if err := viper.ReadInConfig(); err != nil {
		log.Printf("Config file not found, using defaults: %v", err)
	}

	db := database.InitDatabase()
	defer db.Close()

	if err := database.ApplyMigrations(db); err != nil {
		log.Fatalf("Failed to apply migrations: %v", err)
	}

	redisClient := database.InitRedis()
	if redisClient != nil {
		defer redisClient.Close()
	}

	authService := services.NewAuthService(db, redisClient)
	ledgerService := services.NewLedgerService(db)
	transferService := services.NewTransferService(db, ledgerService)
	customerService := services.NewCustomerService(db, ledgerService, transferService)
	sessionService := services.NewSessionService(db, ledgerService)
	productService := services.NewProductService(db)
	supplierService := services.NewSupplierService(db)
	purchaseService := services.NewPurchaseService(db)
	userService := services.NewUserService(db)
	operationLogService := services.NewOperationLogService(db)
	financeService := services.NewFinanceService(db)
	cashFlowService := services.NewCashFlowService(db)
	reportService := services.NewReportService(db, cashFlowService)

	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://*", "http://*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link", "X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           86400,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"status": "healthy"})
	})

	r.Route("/api/v1", func(r chi.Router) {
		// Public endpoints
		r.Post("/auth/register", authService.Register)
		r.Post("/auth/login", authService.Login)
		r.Post("/auth/logout", authService.Logout)

		// Protected endpoints
		r.Group(func(r chi.Router) {
			r.Use(mW.AuthMiddleware(authService.IsTokenBlacklisted))
			r.Use(mW.OperationLog(db))

			r.Get("/auth/me", authService.GetCurrentUser)

			// Customers and their ledgers
			r.Post("/customers", customerService.CreateCustomer)
			r.Get("/customers", customerService.ListCustomers)
			r.Post("/customers/batch-delete", customerService.BatchDeleteCustomers)
			r.Get("/customers/{id}", customerService.GetCustomer)
			r.Put("/customers/{id}", customerService.UpdateCustomer)
			r.Delete("/customers/{id}", customerService.DeleteCustomer)
			r.Get("/customers/{id}/loans", customerService.GetCustomerLoans)
			r.Post("/customers/{id}/loans", customerService.CreateLoan)
			r.Get("/customers/{id}/repayments", customerService.GetCustomerRepayments)
			r.Post("/customers/{id}/repayments", customerService.RecordRepayment)
			r.Post("/customers/{id}/transfer-debt", customerService.TransferDebt)

			// Most-recent-entry corrections
			r.Put("/loans/{loanID}", customerService.UpdateLoan)
			r.Delete("/loans/{loanID}", customerService.DeleteLoan)
			r.Put("/repayments/{repaymentID}", customerService.UpdateRepayment)
			r.Delete("/repayments/{repaymentID}", customerService.DeleteRepayment)

			r.Get("/transfers", customerService.ListTransfers)

			// Rooms
			r.Post("/rooms", sessionService.CreateRoom)
			r.Get("/rooms", sessionService.ListRooms)
			r.Put("/rooms/{roomID}", sessionService.UpdateRoom)
			r.Delete("/rooms/{roomID}", sessionService.DeleteRoom)
			r.Delete("/rooms/{roomID}/last-settled", sessionService.DeleteLastSettled)

			// Sessions
			r.Post("/sessions", sessionService.StartSession)
			r.Get("/sessions", sessionService.ListSessions)
			r.Get("/sessions/{sessionID}", sessionService.GetSession)
			r.Post("/sessions/{sessionID}/customers", sessionService.AddCustomer)
			r.Delete("/sessions/{sessionID}/customers/{customerID}", sessionService.RemoveCustomer)
			r.Post("/sessions/{sessionID}/loans", sessionService.RecordLoan)
			r.Post("/sessions/{sessionID}/repayments", sessionService.RecordRepayment)
			r.Post("/sessions/{sessionID}/consumptions", sessionService.AddConsumption)
			r.Put("/sessions/{sessionID}/consumptions/{consumptionID}", sessionService.UpdateConsumption)
			r.Delete("/sessions/{sessionID}/consumptions/{consumptionID}", sessionService.DeleteConsumption)
			r.Post("/sessions/{sessionID}/meals", sessionService.AddMeal)
			r.Put("/sessions/{sessionID}/meals/{mealID}", sessionService.UpdateMeal)
			r.Delete("/sessions/{sessionID}/meals/{mealID}", sessionService.DeleteMeal)
			r.Post("/sessions/{sessionID}/move-room", sessionService.MoveRoom)
			r.Put("/sessions/{sessionID}/table-fee", sessionService.SetTableFee)
			r.Post("/sessions/{sessionID}/settle", sessionService.Settle)
			r.Delete("/sessions/{sessionID}", sessionService.SoftDelete)
			r.Post("/sessions/{sessionID}/restore", sessionService.Restore)
			r.Post("/sessions/{sessionID}/reset", sessionService.Reset)

			// Products
			r.Post("/products", productService.CreateProduct)
			r.Get("/products", productService.ListProducts)
			r.Put("/products/{productID}", productService.UpdateProduct)
			r.Delete("/products/{productID}", productService.DeleteProduct)
			r.Get("/products/{productID}/purchase-history", purchaseService.ProductPurchaseHistory)

			// Restocking
			r.Post("/suppliers", supplierService.CreateSupplier)
			r.Get("/suppliers", supplierService.ListSuppliers)
			r.Get("/suppliers/{supplierID}", supplierService.GetSupplier)
			r.Put("/suppliers/{supplierID}", supplierService.UpdateSupplier)
			r.Delete("/suppliers/{supplierID}", supplierService.DeleteSupplier)
			r.Post("/purchases", purchaseService.CreatePurchase)
			r.Get("/purchases", purchaseService.ListPurchases)
			r.Get("/purchases/{purchaseID}", purchaseService.GetPurchase)
			r.Delete("/purchases/{purchaseID}", purchaseService.DeletePurchase)

			// Operator accounts
			r.Get("/users", userService.ListUsers)
			r.Get("/users/{userID}", userService.GetUser)
			r.Put("/users/{userID}", userService.UpdateUser)
			r.Delete("/users/{userID}", userService.DeleteUser)
			r.Post("/users/batch-delete", userService.BatchDeleteUsers)

			// Audit trail
			r.Get("/operation-logs", operationLogService.ListOperationLogs)
			r.Get("/operation-logs/{logID}", operationLogService.GetOperationLog)
			r.Delete("/operation-logs/{logID}", operationLogService.DeleteOperationLog)
			r.Post("/operation-logs/clear", operationLogService.ClearOperationLogs)

			// Finance
			r.Post("/incomes", financeService.CreateIncome)
			r.Get("/incomes", financeService.ListIncomes)
			r.Put("/incomes/{incomeID}", financeService.UpdateIncome)
			r.Delete("/incomes/{incomeID}", financeService.DeleteIncome)
			r.Post("/expenses", financeService.CreateExpense)
			r.Get("/expenses", financeService.ListExpenses)
			r.Put("/expenses/{expenseID}", financeService.UpdateExpense)
			r.Delete("/expenses/{expenseID}", financeService.DeleteExpense)
			r.Post("/cash-transfers", financeService.CreateCashTransfer)
			r.Get("/cash-transfers", financeService.ListCashTransfers)
			r.Put("/cash-transfers/{transferID}", financeService.UpdateCashTransfer)
			r.Delete("/cash-transfers/{transferID}", financeService.DeleteCashTransfer)
			r.Get("/config", financeService.GetConfig)
			r.Put("/config", financeService.SetConfig)

			// Reports
			r.Get("/cash-flow", cashFlowService.GetCashFlow)
			r.Get("/statistics/payments", reportService.GetPaymentStatistics)
			r.Get("/statistics/categories", reportService.GetCategoryStatistics)
		})
	})

	// Bundled web UI
	r.NotFound(mW.StaticFileServer(viper.GetString("static.dir")).ServeHTTP)

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	server := &http.Server{
		Addr:         ":" + port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("Server starting on :%s", port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Server shutting down...")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Fatal("Server forced to shutdown:", err)
	}

	log.Println("Server stopped")
}
