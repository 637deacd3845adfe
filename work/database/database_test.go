package database

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"iptv-hub/work/types"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "hub.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func seedProvider(t *testing.T, db *DB, name string) int64 {
	t.Helper()
	id, err := db.UpsertProvider(context.Background(), &types.Provider{Name: name, Kind: "m3u", URL: "http://example.com/" + name, Enabled: true})
	require.NoError(t, err)
	return id
}

func seedChannel(t *testing.T, db *DB, name, key string) int64 {
	t.Helper()
	id, err := db.CreateChannel(context.Background(), &types.LogicalChannel{Name: name, NormalizedName: key, Enabled: true})
	require.NoError(t, err)
	return id
}

func seedVariant(t *testing.T, db *DB, channelID, providerID int64, url string) int64 {
	t.Helper()
	id, created, err := db.CreateVariant(context.Background(), &types.StreamVariant{
		ChannelID:       channelID,
		ProviderID:      providerID,
		URL:             url,
		Format:          types.StreamFormat(url),
		DetectionMethod: types.DetectedNone,
		OriginalName:    "seed",
		MergeMethod:     types.MergeNew,
		MergeConfidence: 100,
		MergeReason:     "first stream for new channel",
	})
	require.NoError(t, err)
	require.True(t, created)
	return id
}

func TestOpenIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "hub.db")
	db, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	db, err = Open(path)
	require.NoError(t, err)
	defer db.Close()

	var versions int
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM schema_migrations").Scan(&versions))
	assert.Equal(t, 2, versions)
}

func TestSplitStatements(t *testing.T) {
	stmts := splitStatements("-- comment\nCREATE TABLE a (x INT);\n\nCREATE INDEX i ON a(x);\n")
	assert.Equal(t, []string{"CREATE TABLE a (x INT)", "CREATE INDEX i ON a(x)"}, stmts)
}

func TestUpsertProviderKeepsID(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	first := seedProvider(t, db, "alpha")
	p := &types.Provider{Name: "alpha", Kind: "xtream", URL: "http://new", Enabled: false}
	second, err := db.UpsertProvider(ctx, p)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	got, err := db.GetProvider(ctx, first)
	require.NoError(t, err)
	assert.Equal(t, "xtream", got.Kind)
	assert.False(t, got.Enabled)

	_, err = db.GetProvider(ctx, 999)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCreateVariantIsUniquePerProviderURL(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	prov := seedProvider(t, db, "alpha")
	ch := seedChannel(t, db, "ESPN", "espn")

	id := seedVariant(t, db, ch, prov, "http://a/espn.ts")
	again, created, err := db.CreateVariant(ctx, &types.StreamVariant{
		ChannelID: ch, ProviderID: prov, URL: "http://a/espn.ts", OriginalName: "ESPN", MergeMethod: types.MergeExact,
	})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, id, again)

	v, err := db.FindVariantByProviderURL(ctx, prov, "http://a/espn.ts")
	require.NoError(t, err)
	assert.Equal(t, id, v.ID)
	assert.True(t, v.IsActive)
	assert.Equal(t, types.MergeNew, v.MergeMethod)
	assert.Nil(t, v.LastCheck)
}

func TestStreamCountsFollowActiveVariants(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	prov := seedProvider(t, db, "alpha")
	ch := seedChannel(t, db, "CNN", "cnn")
	a := seedVariant(t, db, ch, prov, "http://a/1.ts")
	seedVariant(t, db, ch, prov, "http://a/2.ts")

	require.NoError(t, db.RecomputeStreamCount(ctx, ch))
	got, err := db.GetChannel(ctx, ch)
	require.NoError(t, err)
	assert.Equal(t, 2, got.StreamCount)

	v, err := db.GetVariant(ctx, a)
	require.NoError(t, err)
	now := time.Now()
	v.IsActive = false
	v.ConsecutiveFailures = 3
	v.LastCheck = &now
	v.LastFailure = &now
	v.FailureReason = "timeout: deadline exceeded"
	v.ChecksTotal = 7
	v.ChecksPassed = 4
	require.NoError(t, db.UpdateVariantHealth(ctx, v))

	require.NoError(t, db.RecomputeStreamCounts(ctx))
	got, err = db.GetChannel(ctx, ch)
	require.NoError(t, err)
	assert.Equal(t, 1, got.StreamCount)

	v, err = db.GetVariant(ctx, a)
	require.NoError(t, err)
	assert.False(t, v.IsActive)
	require.NotNil(t, v.LastFailure)
	assert.Equal(t, now.UnixMilli(), v.LastFailure.UnixMilli())
	assert.Equal(t, "timeout: deadline exceeded", v.FailureReason)
	assert.Equal(t, 7, v.ChecksTotal)
	assert.Equal(t, 4, v.ChecksPassed)

	ids, err := db.ListVariantIDs(ctx, prov, false)
	require.NoError(t, err)
	assert.Len(t, ids, 1)
	ids, err = db.ListVariantIDs(ctx, 0, true)
	require.NoError(t, err)
	assert.Len(t, ids, 2)
}

func TestPriorityOrders(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	prov := seedProvider(t, db, "alpha")
	ch := seedChannel(t, db, "Fox", "fox")
	a := seedVariant(t, db, ch, prov, "http://a/1.ts")
	b := seedVariant(t, db, ch, prov, "http://a/2.ts")

	require.NoError(t, db.SetPriorityOrders(ctx, []*types.StreamVariant{
		{ID: a, PriorityOrder: 1},
		{ID: b, PriorityOrder: 0},
	}))

	variants, err := db.ListVariantsForChannel(ctx, ch)
	require.NoError(t, err)
	require.Len(t, variants, 2)
	assert.Equal(t, b, variants[0].ID)
	assert.Equal(t, a, variants[1].ID)
}

func TestSplitChannel(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	prov := seedProvider(t, db, "alpha")
	src := seedChannel(t, db, "Fox", "fox")
	a := seedVariant(t, db, src, prov, "http://a/1.ts")
	b := seedVariant(t, db, src, prov, "http://a/2.ts")
	require.NoError(t, db.RecomputeStreamCount(ctx, src))

	ch := &types.LogicalChannel{Name: "Fox West", NormalizedName: "fox", Region: "West", Enabled: true}
	require.NoError(t, db.SplitChannel(ctx, src, []int64{b}, ch, "operator split"))
	assert.NotZero(t, ch.ID)

	moved, err := db.GetVariant(ctx, b)
	require.NoError(t, err)
	assert.Equal(t, ch.ID, moved.ChannelID)
	assert.Equal(t, types.MergeManual, moved.MergeMethod)
	assert.True(t, moved.ManualOverride)
	assert.Equal(t, "operator split", moved.MergeReason)

	source, err := db.GetChannel(ctx, src)
	require.NoError(t, err)
	assert.Equal(t, 1, source.StreamCount)
	target, err := db.GetChannel(ctx, ch.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, target.StreamCount)

	// A variant that is not in the source rolls the whole split back.
	err = db.SplitChannel(ctx, src, []int64{a, b}, &types.LogicalChannel{Name: "x", NormalizedName: "x"}, "bad")
	assert.ErrorIs(t, err, ErrNotFound)
	channels, err := db.ListChannels(ctx, true)
	require.NoError(t, err)
	assert.Len(t, channels, 2)
}

func TestMergeChannels(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	prov := seedProvider(t, db, "alpha")
	src := seedChannel(t, db, "BBC 1", "bbc 1")
	dst := seedChannel(t, db, "BBC One", "bbc one")
	seedVariant(t, db, src, prov, "http://a/1.ts")
	seedVariant(t, db, src, prov, "http://a/2.ts")
	seedVariant(t, db, dst, prov, "http://a/3.ts")

	moved, err := db.MergeChannels(ctx, src, dst, "same channel")
	require.NoError(t, err)
	assert.Equal(t, 2, moved)

	source, err := db.GetChannel(ctx, src)
	require.NoError(t, err)
	assert.False(t, source.Enabled)
	assert.Equal(t, 0, source.StreamCount)

	target, err := db.GetChannel(ctx, dst)
	require.NoError(t, err)
	assert.Equal(t, 3, target.StreamCount)

	enabled, err := db.ListChannels(ctx, false)
	require.NoError(t, err)
	assert.Len(t, enabled, 1)

	_, err = db.MergeChannels(ctx, src, 999, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDeleteChannelCascades(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	prov := seedProvider(t, db, "alpha")
	ch := seedChannel(t, db, "ESPN", "espn")
	v := seedVariant(t, db, ch, prov, "http://a/1.ts")

	require.NoError(t, db.DeleteChannel(ctx, ch))
	_, err := db.GetVariant(ctx, v)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, db.DeleteChannel(ctx, ch), ErrNotFound)
}

func TestChannelLookups(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	a := seedChannel(t, db, "Fox East", "fox")
	seedChannel(t, db, "Fox West", "fox")
	seedChannel(t, db, "CNN", "cnn")

	found, err := db.FindChannelsByKey(ctx, "fox")
	require.NoError(t, err)
	require.Len(t, found, 2)
	assert.Equal(t, a, found[0].ID)

	require.NoError(t, db.SetChannelEnabled(ctx, a, false))
	found, err = db.FindChannelsByKey(ctx, "fox")
	require.NoError(t, err)
	assert.Len(t, found, 1)

	set, err := db.SetChannelLogoIfEmpty(ctx, a, "http://logo/1.png")
	require.NoError(t, err)
	assert.True(t, set)
	set, err = db.SetChannelLogoIfEmpty(ctx, a, "http://logo/2.png")
	require.NoError(t, err)
	assert.False(t, set)

	got, err := db.GetChannel(ctx, a)
	require.NoError(t, err)
	assert.Equal(t, "http://logo/1.png", got.LogoURL)
}

func TestRules(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	low := &types.MergeRule{Kind: types.RuleNeverMerge, Pattern1: "east", Pattern2: "west", Priority: 1, Enabled: true}
	high := &types.MergeRule{Kind: types.RuleAlwaysMerge, Pattern1: "bbc 1", Pattern2: "bbc one", Priority: 10, Enabled: true}
	_, err := db.CreateRule(ctx, low)
	require.NoError(t, err)
	_, err = db.CreateRule(ctx, high)
	require.NoError(t, err)

	rules, err := db.ListRules(ctx)
	require.NoError(t, err)
	require.Len(t, rules, 2)
	assert.Equal(t, high.ID, rules[0].ID)
	assert.Equal(t, types.RuleAlwaysMerge, rules[0].Kind)

	require.NoError(t, db.SetRuleEnabled(ctx, low.ID, false))
	require.NoError(t, db.DeleteRule(ctx, high.ID))
	assert.ErrorIs(t, db.DeleteRule(ctx, high.ID), ErrNotFound)

	rules, err = db.ListRules(ctx)
	require.NoError(t, err)
	require.Len(t, rules, 1)
	assert.False(t, rules[0].Enabled)

	_, err = db.CreateRule(ctx, &types.MergeRule{Kind: "bogus", Pattern1: "x"})
	assert.Error(t, err)
}

func TestGetStats(t *testing.T) {
	db := openTestDB(t)
	prov := seedProvider(t, db, "alpha")
	ch := seedChannel(t, db, "ESPN", "espn")
	seedVariant(t, db, ch, prov, "http://a/1.ts")

	stats, err := db.GetStats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats["channels_count"])
	assert.Equal(t, 1, stats["stream_variants_count"])
	assert.Equal(t, 1, stats["active_variants_count"])
}
