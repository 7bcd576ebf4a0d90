package main

import (
	"fmt"
	"log"

	"toll-backend/internal/config"
	"toll-backend/internal/db"
)

// Connects to the configured database and sanity-checks the width-sensitive
// columns: toll_transactions.amount must hold a full uint256 decimal string
// and tx_id must fit "txHash:logIndex".
func main() {
	fmt.Println("🔍 Verifying database connection and column sizes...")

	// Load config
	if err := config.LoadConfig(""); err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Initialize database
	db.InitDB()

	sqlDB, err := db.DB.DB()
	if err != nil {
		log.Fatalf("Failed to get database connection: %v", err)
	}
	defer sqlDB.Close()

	var dbName string
	if err := sqlDB.QueryRow("SELECT current_database()").Scan(&dbName); err != nil {
		log.Fatalf("Failed to get database name: %v", err)
	}
	fmt.Printf("📋 Connected to database: %s\n", dbName)

	checks := []struct {
		table  string
		column string
		min    int64
	}{
		{"toll_transactions", "amount", 78},
		{"toll_transactions", "tx_id", 80},
		{"users", "top_up_wallet", 42},
	}

	for _, check := range checks {
		var size int64
		err := sqlDB.QueryRow(`
			SELECT character_maximum_length
			FROM information_schema.columns
			WHERE table_schema = 'public'
			AND table_name = $1
			AND column_name = $2
		`, check.table, check.column).Scan(&size)
		if err != nil {
			log.Fatalf("Failed to query %s.%s: %v", check.table, check.column, err)
		}

		if size < check.min {
			fmt.Printf("❌ %s.%s is VARCHAR(%d), need at least VARCHAR(%d)\n", check.table, check.column, size, check.min)
		} else {
			fmt.Printf("✅ %s.%s is VARCHAR(%d)\n", check.table, check.column, size)
		}
	}
}
