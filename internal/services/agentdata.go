package services

import (
	"context"
	"fmt"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/doppelhq/doppel/internal/log"
	"github.com/doppelhq/doppel/internal/models"
)

const agentsCollection = "agents"

// AgentDataService stores the aggregated tool data for each user's agent,
// keyed by Slack user ID. It is the bot's read side of the external data
// aggregation flow; the setup flow writes through SaveAgentData.
type AgentDataService struct {
	client *firestore.Client
}

// NewAgentDataService creates an AgentDataService with the provided client.
func NewAgentDataService(client *firestore.Client) *AgentDataService {
	return &AgentDataService{client: client}
}

// GetAgentData retrieves a user's agent data. Returns nil, nil when the user
// has not set up an agent.
func (s *AgentDataService) GetAgentData(ctx context.Context, slackUserID string) (*models.AgentData, error) {
	doc, err := s.client.Collection(agentsCollection).Doc(slackUserID).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, nil
		}
		log.Error(ctx, "Failed to get agent data",
			"error", err,
			"slack_user_id", slackUserID,
			"operation", "get_agent_data",
		)
		return nil, fmt.Errorf("failed to get agent data for user %s: %w", slackUserID, err)
	}

	var agent models.AgentData
	if err := doc.DataTo(&agent); err != nil {
		log.Error(ctx, "Failed to unmarshal agent data",
			"error", err,
			"slack_user_id", slackUserID,
			"operation", "unmarshal_agent_data",
		)
		return nil, fmt.Errorf("failed to unmarshal agent data for user %s: %w", slackUserID, err)
	}

	return &agent, nil
}

// SaveAgentData creates or replaces a user's agent data.
func (s *AgentDataService) SaveAgentData(ctx context.Context, slackUserID string, agent *models.AgentData) error {
	_, err := s.client.Collection(agentsCollection).Doc(slackUserID).Set(ctx, agent)
	if err != nil {
		log.Error(ctx, "Failed to save agent data",
			"error", err,
			"slack_user_id", slackUserID,
			"operation", "save_agent_data",
		)
		return fmt.Errorf("failed to save agent data for user %s: %w", slackUserID, err)
	}
	return nil
}

// ListAgentUserIDs returns the Slack user IDs of everyone with an agent set
// up.
func (s *AgentDataService) ListAgentUserIDs(ctx context.Context) ([]string, error) {
	var userIDs []string

	iter := s.client.Collection(agentsCollection).Documents(ctx)
	defer iter.Stop()
	for {
		doc, err := iter.Next()
		if err != nil {
			if err == iterator.Done {
				break
			}
			return nil, fmt.Errorf("failed to list agents: %w", err)
		}
		userIDs = append(userIDs, doc.Ref.ID)
	}

	return userIDs, nil
}

// SeedDemoData writes a small demo agent for a user, used by the connect CLI
// to make a fresh workspace answerable.
func (s *AgentDataService) SeedDemoData(ctx context.Context, slackUserID, displayName string) error {
	agent := &models.AgentData{
		DisplayName: displayName,
		Sources: models.AgentSources{
			Calendar: []string{
				"Today 10:00 - Team standup",
				"Today 14:00 - 1:1 with manager",
			},
			Messaging: []string{
				"Discussed the onboarding flow rewrite in #product",
			},
			IssueTracker: []string{
				"DOP-42: Polish the setup page (In Progress)",
			},
		},
	}
	return s.SaveAgentData(ctx, slackUserID, agent)
}
