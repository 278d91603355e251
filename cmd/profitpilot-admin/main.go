package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"profitpilot/config"
	"profitpilot/internal/cache"
	"profitpilot/internal/database"
	"profitpilot/internal/subscription"
)

type adminTool struct {
	repo          *database.Repository
	subscriptions *subscription.Service
	reader        *bufio.Reader
}

func main() {
	fmt.Println("========================================")
	fmt.Println(" ProfitPilotAI Administration Tool")
	fmt.Println("========================================")

	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	db, err := database.NewDB(database.Config{
		URL:      cfg.DatabaseConfig.URL,
		Host:     cfg.DatabaseConfig.Host,
		Port:     cfg.DatabaseConfig.Port,
		User:     cfg.DatabaseConfig.User,
		Password: cfg.DatabaseConfig.Password,
		Database: cfg.DatabaseConfig.Name,
		SSLMode:  cfg.DatabaseConfig.SSLMode,
	})
	if err != nil {
		fmt.Printf("Failed to connect to database: %v\n", err)
		os.Exit(1)
	}
	defer db.Close()
	repo := database.NewRepository(db)

	// Share the server's entitlement cache so changes show up immediately
	var entitlementCache subscription.Cache
	if cfg.RedisConfig.Enabled {
		if cs, err := cache.NewCacheService(cfg.RedisConfig); err == nil {
			defer cs.Close()
			entitlementCache = cs
		}
	}

	tool := &adminTool{
		repo:          repo,
		subscriptions: subscription.NewService(repo, entitlementCache, nil),
		reader:        bufio.NewReader(os.Stdin),
	}

	for {
		fmt.Println("\nOptions:")
		fmt.Println("  1. List active users")
		fmt.Println("  2. Grant plan")
		fmt.Println("  3. Extend subscription")
		fmt.Println("  4. Revoke subscription")
		fmt.Println("  5. Promote to admin")
		fmt.Println("  6. Delete user")
		fmt.Println("  7. Exit")
		fmt.Print("\nSelect option: ")

		switch tool.prompt("") {
		case "1":
			tool.listActive()
		case "2":
			tool.grant()
		case "3":
			tool.extend()
		case "4":
			tool.revoke()
		case "5":
			tool.promote()
		case "6":
			tool.deleteUser()
		case "7", "q":
			fmt.Println("Goodbye!")
			return
		default:
			fmt.Println("Invalid option")
		}
	}
}

func (t *adminTool) prompt(label string) string {
	if label != "" {
		fmt.Print(label)
	}
	input, _ := t.reader.ReadString('\n')
	return strings.TrimSpace(input)
}

func ctx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 15*time.Second)
}

func (t *adminTool) listActive() {
	c, cancel := ctx()
	defer cancel()

	users, err := t.subscriptions.ListActive(c, time.Now().UTC())
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}
	if len(users) == 0 {
		fmt.Println("No active users")
		return
	}

	fmt.Println("\n========================================")
	fmt.Printf("%-32s %-10s %-12s %s\n", "EMAIL", "PROVIDER", "STATUS", "ENDS")
	for _, u := range users {
		ends := "lifetime"
		if end := u.Entitlement.CurrentPeriodEnd; end != nil {
			ends = end.Format("2006-01-02 15:04")
		}
		fmt.Printf("%-32s %-10s %-12s %s\n", u.Email, u.Entitlement.Provider, u.Entitlement.Status, ends)
	}
	fmt.Println("========================================")
	fmt.Printf("%d active\n", len(users))
}

func (t *adminTool) grant() {
	fmt.Println("\n--- Grant Plan ---")
	identifier := t.prompt("Email or login id: ")
	fmt.Println("Plans: 1w, 1m, 1y, lifetime")
	plan, err := subscription.ParsePlan(t.prompt("Plan: "))
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}

	c, cancel := ctx()
	defer cancel()
	end, err := t.subscriptions.Grant(c, identifier, plan)
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}
	fmt.Printf("Granted %s to %s (%s)\n", plan, identifier, describeEnd(end))
}

func (t *adminTool) extend() {
	fmt.Println("\n--- Extend Subscription ---")
	identifier := t.prompt("Email or login id: ")
	days, err := strconv.Atoi(t.prompt("Days: "))
	if err != nil || days <= 0 {
		fmt.Println("Days must be a positive number")
		return
	}

	c, cancel := ctx()
	defer cancel()
	end, err := t.subscriptions.Extend(c, identifier, days)
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}
	fmt.Printf("Extended %s by %d days (%s)\n", identifier, days, describeEnd(end))
}

func (t *adminTool) revoke() {
	fmt.Println("\n--- Revoke Subscription ---")
	identifier := t.prompt("Email or login id: ")
	if !t.confirm("Revoke access for " + identifier) {
		return
	}

	c, cancel := ctx()
	defer cancel()
	if err := t.subscriptions.Revoke(c, identifier); err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}
	fmt.Printf("Revoked %s\n", identifier)
}

func (t *adminTool) promote() {
	fmt.Println("\n--- Promote to Admin ---")
	identifier := t.prompt("Email or login id: ")

	c, cancel := ctx()
	defer cancel()
	user, err := t.repo.GetUserByIdentifier(c, identifier)
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}
	if user == nil {
		fmt.Println("User not found")
		return
	}
	if user.IsAdmin() {
		fmt.Println("Already an admin")
		return
	}
	if err := t.repo.UpdateUserRole(c, user.ID, database.RoleAdmin); err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}
	fmt.Printf("%s is now an admin\n", user.Email)
}

func (t *adminTool) deleteUser() {
	fmt.Println("\n--- Delete User ---")
	identifier := t.prompt("Email or login id: ")
	if !t.confirm("Permanently delete " + identifier + " and their subscriptions") {
		return
	}

	c, cancel := ctx()
	defer cancel()
	if err := t.subscriptions.DeleteUser(c, identifier); err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}
	fmt.Printf("Deleted %s\n", identifier)
}

func (t *adminTool) confirm(question string) bool {
	answer := strings.ToLower(t.prompt(question + "? (y/n): "))
	if answer != "y" && answer != "yes" {
		fmt.Println("Cancelled")
		return false
	}
	return true
}

func describeEnd(end *time.Time) string {
	if end == nil {
		return "lifetime"
	}
	return "ends " + end.Format("2006-01-02 15:04 MST")
}
