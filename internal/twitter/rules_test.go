package twitter

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

var streamRuleAccounts = []string{
	"goatlodge",
	"BattleVerse_io",
	"chromorphs",
	"bullsontheblock",
	"JohnOrionYoung",
	"the_n_project_",
	"superplastic",
	"PixlsOfficial",
	"LuckyManekiNFT",
	"TheProjectURS",
	"robotosNFT",
	"satoshibles",
	"SaconiGen",
	"FatalesNFT",
	"10KTFShop",
	"nahfungiblebone",
	"lostsoulsnft",
	"DropBearsio",
	"cryptoadzNFT",
	"MekaVerse",
	"boredapeyc",
	"pudgy_penguins",
	"worldofwomennft",
}

func TestBuildStreamRulesSingleRule(t *testing.T) {
	rules, err := BuildStreamRules(streamRuleAccounts, "", AccessEssential)
	require.NoError(t, err)
	require.Len(t, rules, 1)
	require.Equal(t,
		"(from:goatlodge OR from:BattleVerse_io OR from:chromorphs OR from:bullsontheblock OR from:JohnOrionYoung OR from:the_n_project_ OR from:superplastic OR from:PixlsOfficial OR from:LuckyManekiNFT OR from:TheProjectURS OR from:robotosNFT OR from:satoshibles OR from:SaconiGen OR from:FatalesNFT OR from:10KTFShop OR from:nahfungiblebone OR from:lostsoulsnft OR from:DropBearsio OR from:cryptoadzNFT OR from:MekaVerse OR from:boredapeyc OR from:pudgy_penguins OR from:worldofwomennft)",
		rules[0])
}

func TestBuildStreamRulesSplitsOnLengthLimit(t *testing.T) {
	accounts := append(append([]string{}, streamRuleAccounts...), "sleeyax", "jfrazier", "elonmusk")
	rules, err := BuildStreamRules(accounts, "", AccessEssential)
	require.NoError(t, err)
	require.Len(t, rules, 2)
	require.True(t, strings.HasSuffix(rules[0], "sleeyax)"))
	require.Equal(t, "(from:jfrazier OR from:elonmusk)", rules[1])
	for _, r := range rules {
		require.LessOrEqual(t, len(r), ruleLengthLimitations[AccessEssential])
	}
}

func TestBuildStreamRulesAppendsFilter(t *testing.T) {
	rules, err := BuildStreamRules([]string{"alice", "bob"}, " -is:retweet", AccessEssential)
	require.NoError(t, err)
	require.Len(t, rules, 1)
	require.Equal(t, "(from:alice OR from:bob) -is:retweet", rules[0])
}

func TestBuildStreamRulesRuleCountLimit(t *testing.T) {
	// Long usernames force one rule each; six of them exceed the five
	// rules of the essential tier.
	long := strings.Repeat("x", 600)
	var accounts []string
	for i := 0; i < 6; i++ {
		accounts = append(accounts, long+string(rune('a'+i)))
	}
	_, err := BuildStreamRules(accounts, "", AccessEssential)
	require.Error(t, err)

	rules, err := BuildStreamRules(accounts, "", AccessAcademic)
	require.NoError(t, err)
	require.Len(t, rules, 6)
}
