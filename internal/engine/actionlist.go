package engine

import (
	"context"
	"sort"

	"docflow/internal/domain"
	"docflow/internal/rank"
)

// PendingActionItems is the full per-principal inbox: one entry per live
// request path. documentID narrows to one document when non-empty.
func (e Engine) PendingActionItems(ctx context.Context, principalID, documentID string) ([]domain.ActionItem, error) {
	return e.Repo.ListPendingActionItems(ctx, principalID, documentID)
}

// ActionListEntry is one consolidated action-list row: the authoritative
// item for a document plus how many paths address the principal.
type ActionListEntry struct {
	Item  domain.ActionItem `json:"item"`
	Paths int               `json:"paths"`
}

// ActionList collapses a principal's items to the highest-ranked obligation
// per document. Ties break on recipient type, then delegation type, then
// the earliest item.
func (e Engine) ActionList(ctx context.Context, principalID string) ([]ActionListEntry, error) {
	items, err := e.Repo.ListPendingActionItems(ctx, principalID, "")
	if err != nil {
		return nil, err
	}
	byDoc := map[string][]domain.ActionItem{}
	var docOrder []string
	for _, item := range items {
		if _, ok := byDoc[item.DocumentID]; !ok {
			docOrder = append(docOrder, item.DocumentID)
		}
		byDoc[item.DocumentID] = append(byDoc[item.DocumentID], item)
	}
	var entries []ActionListEntry
	for _, docID := range docOrder {
		group := byDoc[docID]
		best := group[0]
		bestReq, err := e.Repo.GetActionRequest(ctx, best.ActionRequestID)
		if err != nil {
			return nil, err
		}
		for _, candidate := range group[1:] {
			candidateReq, err := e.Repo.GetActionRequest(ctx, candidate.ActionRequestID)
			if err != nil {
				return nil, err
			}
			higher, err := outranks(candidate, candidateReq, best, bestReq)
			if err != nil {
				return nil, err
			}
			if higher {
				best, bestReq = candidate, candidateReq
			}
		}
		entries = append(entries, ActionListEntry{Item: best, Paths: len(group)})
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Item.CreatedAt < entries[j].Item.CreatedAt
	})
	return entries, nil
}

func outranks(a domain.ActionItem, aReq domain.ActionRequest, b domain.ActionItem, bReq domain.ActionRequest) (bool, error) {
	cmp, err := rank.CompareActionCode(a.ActionRequested, b.ActionRequested, false)
	if err != nil {
		return false, err
	}
	if cmp != 0 {
		return cmp > 0, nil
	}
	cmp, err = rank.CompareRecipientType(aReq.RecipientType, bReq.RecipientType)
	if err != nil {
		return false, err
	}
	if cmp != 0 {
		return cmp > 0, nil
	}
	cmp, err = rank.CompareDelegationType(aReq.DelegationType, bReq.DelegationType)
	if err != nil {
		return false, err
	}
	if cmp != 0 {
		return cmp > 0, nil
	}
	return a.CreatedAt < b.CreatedAt, nil
}
