package session

import (
	"sort"

	"github.com/ashwinyue/next-tutor/internal/model"
)

// Merge 将本地（可能含乐观写入）会话与远端拉取结果对账
//
// 远端包含的会话以远端为准，但保留本地的 IsGeneratingTitle 标记；
// 远端没有的本地会话原样保留；结果按 UpdatedAt 倒序，同一时间按 ID 排序。
// Merge 是幂等的，结果中不会出现重复 ID。
func Merge(local, remote []model.Session) []model.Session {
	remoteByID := make(map[string]model.Session, len(remote))
	for _, r := range remote {
		if _, dup := remoteByID[r.ID]; !dup {
			remoteByID[r.ID] = r
		}
	}

	seen := make(map[string]struct{}, len(local)+len(remote))
	merged := make([]model.Session, 0, len(local)+len(remote))

	for _, l := range local {
		if _, dup := seen[l.ID]; dup {
			continue
		}
		seen[l.ID] = struct{}{}

		r, ok := remoteByID[l.ID]
		if !ok {
			merged = append(merged, l.Clone())
			continue
		}
		out := r.Clone()
		out.IsGeneratingTitle = r.IsGeneratingTitle || l.IsGeneratingTitle
		merged = append(merged, out)
	}

	for _, r := range remote {
		if _, dup := seen[r.ID]; dup {
			continue
		}
		seen[r.ID] = struct{}{}
		merged = append(merged, r.Clone())
	}

	sort.SliceStable(merged, func(i, j int) bool {
		if !merged[i].UpdatedAt.Equal(merged[j].UpdatedAt) {
			return merged[i].UpdatedAt.After(merged[j].UpdatedAt)
		}
		return merged[i].ID < merged[j].ID
	})
	return merged
}
