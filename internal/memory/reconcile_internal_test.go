package memory

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRepairInvalidIDs_ReattachesOntoMatchingNone(t *testing.T) {
	actions := []Action{
		{ID: "0", Event: EventNone, Text: "likes tea"},
		{ID: "99", Event: EventUpdate, Text: "loves tea", OldMemory: "likes tea"},
	}
	tempToReal := map[string]int64{"0": 10}

	repaired, unresolved := repairInvalidIDs(actions, tempToReal)
	require.Equal(t, 0, unresolved)
	require.Len(t, repaired, 1)
	require.Equal(t, "0", repaired[0].ID)
	require.Equal(t, EventUpdate, repaired[0].Event)
	require.Equal(t, "loves tea", repaired[0].Text)
}

func TestRepairInvalidIDs_LeavesUnresolvedWhenNoMatch(t *testing.T) {
	actions := []Action{
		{ID: "0", Event: EventNone, Text: "likes tea"},
		{ID: "99", Event: EventDelete, OldMemory: "unrelated text"},
	}
	tempToReal := map[string]int64{"0": 10}

	_, unresolved := repairInvalidIDs(actions, tempToReal)
	require.Equal(t, 1, unresolved)
}

func TestRepairInvalidIDs_ValidIDsPassThroughUnchanged(t *testing.T) {
	actions := []Action{
		{ID: "0", Event: EventUpdate, Text: "loves tea"},
	}
	tempToReal := map[string]int64{"0": 10}

	repaired, unresolved := repairInvalidIDs(actions, tempToReal)
	require.Equal(t, 0, unresolved)
	require.Equal(t, actions, repaired)
}

func TestBackfillMissingAdds_AddsUncoveredFact(t *testing.T) {
	existing := []existingEntry{{ID: "0", Text: "likes tea"}}
	actions := []Action{{ID: "0", Event: EventNone, Text: "likes tea"}}
	facts := []string{"likes tea", "works at Acme"}

	backfilled := backfillMissingAdds(actions, facts, existing)
	require.Len(t, backfilled, 2)

	var added *Action
	for i := range backfilled {
		if backfilled[i].Event == EventAdd {
			added = &backfilled[i]
		}
	}
	require.NotNil(t, added)
	require.Equal(t, "works at Acme", added.Text)
	require.Equal(t, "1", added.ID, "fresh id continues after the highest existing id")
}

func TestBackfillMissingAdds_SkipsFactAlreadyCoveredBySubstring(t *testing.T) {
	existing := []existingEntry{{ID: "0", Text: "User likes green tea in the morning"}}
	actions := []Action{{ID: "0", Event: EventNone, Text: existing[0].Text}}
	facts := []string{"likes tea"}

	backfilled := backfillMissingAdds(actions, facts, existing)
	require.Len(t, backfilled, 1, "fact is a substring of the existing memory, no ADD expected")
}

func TestBackfillMissingAdds_NoOpOnEmptyFacts(t *testing.T) {
	existing := []existingEntry{{ID: "0", Text: "likes tea"}}
	actions := []Action{{ID: "0", Event: EventNone, Text: "likes tea"}}

	backfilled := backfillMissingAdds(actions, nil, existing)
	require.Equal(t, actions, backfilled)
}
