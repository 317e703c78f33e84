// storyplay is a terminal client for the streaming game backend. It creates
// or resumes a session, renders streamed narration to stdout, and submits
// player actions read from stdin.
package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/adventlabs/storyplay/adapters/api"
	"github.com/adventlabs/storyplay/usecase"
)

func main() {
	godotenv.Load()

	logger, _ := zap.NewDevelopment()
	defer logger.Sync()

	apiConfig := api.NewConfigFromEnv()
	if apiConfig.BaseURL == "" {
		apiConfig.BaseURL = "http://localhost:8080"
	}
	adapter, err := api.NewClient(apiConfig, logger)
	if err != nil {
		logger.Fatal("Failed to create API client", zap.Error(err))
	}

	playerConfig := usecase.NewConfigFromEnv()
	if playerConfig.BaseURL == "" {
		playerConfig.BaseURL = apiConfig.BaseURL
	}
	player, err := usecase.NewPlayer(adapter, playerConfig, logger)
	if err != nil {
		logger.Fatal("Failed to create player", zap.Error(err))
	}

	done := make(chan struct{})
	go renderEvents(player, done)

	ctx := context.Background()
	if sessionID := os.Getenv("STORYPLAY_SESSION_ID"); sessionID != "" {
		if err := player.LoadExistingSession(ctx, sessionID); err != nil {
			logger.Fatal("Failed to load session", zap.Error(err))
		}
	} else {
		if err := player.StartSession(ctx); err != nil {
			logger.Fatal("Failed to start session", zap.Error(err))
		}
	}

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		if text == "/quit" {
			break
		}
		if text == "/retry" {
			if err := player.RetryLastAction(ctx); err != nil {
				logger.Warn("Retry failed", zap.Error(err))
			}
			continue
		}
		if err := player.SendAction(ctx, text); err != nil {
			logger.Warn("Action failed", zap.Error(err))
		}
	}

	player.ResetGame()
	close(done)
}

// renderEvents prints streamed narration and turn outcomes as they arrive.
func renderEvents(player *usecase.Player, done <-chan struct{}) {
	for {
		select {
		case <-done:
			return
		case event := <-player.Events():
			switch event.Type {
			case usecase.EventTextDelta:
				fmt.Print(event.Text)
			case usecase.EventMessageDone:
				fmt.Println()
				printStatus(player.State())
				fmt.Print("> ")
			case usecase.EventStreamError:
				state := player.State()
				if state.StreamError != "" {
					fmt.Printf("\n[%s — type /retry to try again]\n> ", state.StreamError)
				}
			case usecase.EventPhaseChanged:
				if event.Phase == usecase.PhaseNeedsAPIKey {
					fmt.Println("\n[this session needs an API key before it can continue]")
				}
			}
		}
	}
}

func printStatus(state usecase.GamePlayerState) {
	if len(state.StatusFields) == 0 {
		return
	}
	parts := make([]string, 0, len(state.StatusFields))
	for _, field := range state.StatusFields {
		parts = append(parts, field.Name+": "+field.Value)
	}
	fmt.Println("[" + strings.Join(parts, " | ") + "]")
}
