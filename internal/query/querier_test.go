package query

import (
	"strings"
	"testing"
	"time"

	"TapLedger/internal/model"
	"TapLedger/internal/storage"

	"github.com/google/uuid"
)

func TestBuildStatisticsQuery(t *testing.T) {
	from := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	q := storage.StatisticsQuery{TapID: uuid.New(), From: from, To: from.Add(time.Hour)}

	sql, args := buildStatisticsQuery(q)
	if strings.Contains(sql, "Protocol = ?") || len(args) != 3 {
		t.Fatalf("expected no protocol filter, got %q with %d args", sql, len(args))
	}

	q.Protocol = model.ProtocolUDP
	sql, args = buildStatisticsQuery(q)
	if !strings.Contains(sql, "Protocol = ?") || len(args) != 4 || args[3] != "udp" {
		t.Fatalf("expected a protocol filter, got %q with %v", sql, args)
	}
	if !strings.Contains(sql, "GROUP BY Protocol, Bucket") {
		t.Fatalf("expected per bucket grouping, got %q", sql)
	}
}
