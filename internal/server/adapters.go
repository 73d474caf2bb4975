package server

import (
	"context"

	"github.com/mbd888/agentcourt/internal/agents"
	"github.com/mbd888/agentcourt/internal/disputes"
	"github.com/mbd888/agentcourt/internal/transactions"
)

// transactionAgents adapts the agent directory to transactions.AgentDirectory.
type transactionAgents struct {
	dir *agents.Directory
}

func (a *transactionAgents) ResolveAgentByExternalID(ctx context.Context, externalID string) (transactions.Party, error) {
	agent, err := a.dir.ResolveAgentByExternalID(ctx, externalID)
	if err != nil {
		return transactions.Party{}, err
	}
	return transactions.Party{ID: agent.ID, ExternalID: agent.ExternalID}, nil
}

func (a *transactionAgents) IsActive(ctx context.Context, agentID string) (bool, error) {
	status, err := a.dir.AgentStatus(ctx, agentID)
	if err != nil {
		return false, err
	}
	return status == agents.StatusActive, nil
}

func (a *transactionAgents) IncrementTransactionCount(ctx context.Context, agentID string) error {
	return a.dir.IncrementTransactionCount(ctx, agentID)
}

func (a *transactionAgents) RecordTransactionCompletion(ctx context.Context, agentID string) error {
	return a.dir.RecordTransactionCompletion(ctx, agentID)
}

// disputeTransactions adapts the transaction service to disputes.Transactions.
type disputeTransactions struct {
	svc *transactions.Service
}

func (a *disputeTransactions) LookupForDispute(ctx context.Context, ref string) (disputes.TransactionRef, error) {
	tx, err := a.svc.LookupForDispute(ctx, ref)
	if err != nil {
		return disputes.TransactionRef{}, err
	}
	return disputes.TransactionRef{
		ID:                 tx.ID,
		ExternalID:         tx.ExternalID,
		ProposerID:         tx.ProposerID,
		ProposerExternalID: tx.ProposerExternalID,
		ReceiverID:         tx.ReceiverID,
		ReceiverExternalID: tx.ReceiverExternalID,
		Status:             string(tx.Status),
		StatedValue:        tx.StatedValue,
	}, nil
}

func (a *disputeTransactions) MarkDisputed(ctx context.Context, id string) error {
	return a.svc.MarkDisputed(ctx, id)
}
