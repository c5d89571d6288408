package cmd

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/scanforge/commitpipe/internal/config"
	"github.com/scanforge/commitpipe/internal/database"
	"github.com/spf13/cobra"
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Verify storage, queue, and backend connectivity",
	Long: `Checks that the database can be reached, the work queue responds,
configured analysis backends are reachable, and a GitHub token is
configured for the fork finder.`,
	RunE: runDoctor,
}

func runDoctor(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	allOK := true

	fmt.Println("=== commitpipe doctor ===")
	fmt.Println()

	fmt.Print("Database ................. ")
	db, err := database.New(cfg.Database)
	if err != nil {
		fmt.Printf("FAIL (%s)\n", err)
		allOK = false
	} else {
		if err := db.Ping(ctx); err != nil {
			fmt.Printf("FAIL (%s)\n", err)
			allOK = false
		} else {
			fmt.Printf("OK (%s: %s)\n", db.Driver(), cfg.Database.Path)
		}
		db.Close()
	}

	fmt.Print("Work queue (redis) ....... ")
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Queue.Addr,
		Password: cfg.Queue.Password,
		DB:       cfg.Queue.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		fmt.Printf("FAIL (%s)\n", err)
		allOK = false
	} else {
		fmt.Printf("OK (%s)\n", cfg.Queue.Addr)
	}
	rdb.Close()

	fmt.Println()
	fmt.Println("Analysis backends:")
	if len(cfg.Backends.Instances) == 0 {
		fmt.Println("  none configured — add one under backends.instances")
		allOK = false
	}
	client := &http.Client{Timeout: 5 * time.Second}
	for _, b := range cfg.Backends.Instances {
		fmt.Printf("  %-14s ... ", b.Name)
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.BaseURL+"/api/system/status", nil)
		if err != nil {
			fmt.Printf("FAIL (%s)\n", err)
			allOK = false
			continue
		}
		if b.Token != "" {
			req.SetBasicAuth(b.Token, "")
		}
		resp, err := client.Do(req)
		if err != nil {
			fmt.Printf("FAIL (%s)\n", err)
			allOK = false
			continue
		}
		resp.Body.Close()
		if resp.StatusCode >= 400 {
			fmt.Printf("FAIL (status %d)\n", resp.StatusCode)
			allOK = false
			continue
		}
		fmt.Printf("OK (max_concurrent=%d)\n", b.MaxConcurrent)
	}

	fmt.Print("\nGitHub token .............. ")
	if len(cfg.Git.GitHub) == 0 || cfg.Git.GitHub[0].Token == "" {
		fmt.Println("WARN (not configured — fork finder will fail on missing commits)")
		allOK = false
	} else {
		fmt.Printf("OK (%d token(s) configured)\n", len(cfg.Git.GitHub))
	}

	fmt.Println()
	if allOK {
		fmt.Println("All checks passed — commitpipe is ready.")
	} else {
		fmt.Println("Some checks failed — see above.")
	}

	return nil
}
