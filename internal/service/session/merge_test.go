package session

import (
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/ashwinyue/next-tutor/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var mergeBase = time.Date(2024, 9, 1, 8, 0, 0, 0, time.UTC)

func sess(id string, minute int, title string) model.Session {
	return model.Session{ID: id, Title: title, UpdatedAt: mergeBase.Add(time.Duration(minute) * time.Minute)}
}

func ids(sessions []model.Session) []string {
	out := make([]string, len(sessions))
	for i, s := range sessions {
		out[i] = s.ID
	}
	return out
}

func TestMerge_RemoteWinsForSharedSessions(t *testing.T) {
	local := []model.Session{sess("s1", 1, "本地标题")}
	remote := []model.Session{sess("s1", 5, "远端标题")}

	merged := Merge(local, remote)

	require.Len(t, merged, 1)
	assert.Equal(t, "远端标题", merged[0].Title)
	assert.True(t, merged[0].UpdatedAt.Equal(remote[0].UpdatedAt))
}

func TestMerge_KeepsLocalOnlySessions(t *testing.T) {
	local := []model.Session{sess("temp_a", 3, "乐观"), sess("s1", 1, "x")}
	remote := []model.Session{sess("s1", 1, "x"), sess("s2", 2, "y")}

	merged := Merge(local, remote)

	assert.Equal(t, []string{"temp_a", "s2", "s1"}, ids(merged))
}

func TestMerge_PreservesTitleGeneratingFlag(t *testing.T) {
	l := sess("s1", 1, "x")
	l.IsGeneratingTitle = true

	merged := Merge([]model.Session{l}, []model.Session{sess("s1", 1, "x")})

	require.Len(t, merged, 1)
	assert.True(t, merged[0].IsGeneratingTitle, "local flag should survive")

	merged = Merge([]model.Session{sess("s1", 1, "x")}, []model.Session{sess("s1", 1, "x")})
	assert.False(t, merged[0].IsGeneratingTitle)
}

func TestMerge_TiesOrderedByID(t *testing.T) {
	merged := Merge(nil, []model.Session{sess("b", 1, ""), sess("c", 1, ""), sess("a", 1, "")})
	assert.Equal(t, []string{"a", "b", "c"}, ids(merged))
}

func TestMerge_DropsDuplicateIDs(t *testing.T) {
	local := []model.Session{sess("s1", 1, "first"), sess("s1", 2, "second")}
	remote := []model.Session{sess("s2", 4, "r1"), sess("s2", 3, "r2")}

	merged := Merge(local, remote)

	assert.Equal(t, []string{"s2", "s1"}, ids(merged))
	assert.Equal(t, "first", merged[1].Title)
	assert.Equal(t, "r1", merged[0].Title)
}

func TestMerge_DoesNotAliasInputs(t *testing.T) {
	remote := []model.Session{{ID: "s1", Messages: []model.Message{{ID: "m1", Text: "原文"}}}}

	merged := Merge(nil, remote)
	merged[0].Messages[0].Text = "改动"

	assert.Equal(t, "原文", remote[0].Messages[0].Text)
}

func TestMerge_Empty(t *testing.T) {
	assert.Empty(t, Merge(nil, nil))
}

// randomSessions 生成带重复 ID 与相同时间戳的随机会话列表
func randomSessions(r *rand.Rand, n int, prefix string) []model.Session {
	out := make([]model.Session, n)
	for i := range out {
		out[i] = model.Session{
			ID:                fmt.Sprintf("%s%d", prefix, r.Intn(n+1)),
			Title:             fmt.Sprintf("t%d", r.Intn(3)),
			UpdatedAt:         mergeBase.Add(time.Duration(r.Intn(4)) * time.Minute),
			IsGeneratingTitle: r.Intn(3) == 0,
		}
		if r.Intn(2) == 0 {
			out[i].Messages = []model.Message{{ID: fmt.Sprintf("m%d", i), Text: "x"}}
		}
	}
	return out
}

func TestMerge_Properties(t *testing.T) {
	r := rand.New(rand.NewSource(42))

	for i := 0; i < 200; i++ {
		local := append(randomSessions(r, r.Intn(6), "s"), randomSessions(r, r.Intn(3), "temp_")...)
		remote := randomSessions(r, r.Intn(6), "s")

		once := Merge(local, remote)
		twice := Merge(once, remote)

		require.Equal(t, once, twice, "merge should be idempotent (case %d)", i)

		seen := make(map[string]bool)
		for _, s := range once {
			require.False(t, seen[s.ID], "duplicate id %s (case %d)", s.ID, i)
			seen[s.ID] = true
		}
		for j := 1; j < len(once); j++ {
			require.False(t, once[j].UpdatedAt.After(once[j-1].UpdatedAt), "not sorted (case %d)", i)
		}
		for _, l := range local {
			require.True(t, seen[l.ID], "local session %s dropped (case %d)", l.ID, i)
		}
	}
}
