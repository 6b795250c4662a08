package currency

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSchedule() Schedule {
	return Schedule{
		Algorithm:   1,
		MinContrib:  decimal.RequireFromString("1"),
		MaxContrib:  decimal.RequireFromString("500"),
		FeesFixed:   decimal.RequireFromString("0.20"),
		FeesPercent: decimal.RequireFromString("0.09"),
	}
}

func TestNetAndFeesRoundTrip(t *testing.T) {
	s := testSchedule()
	gross := decimal.RequireFromString("10.00")
	net := s.Net(gross)
	// (10.00 - 0.20) / 1.09 = 8.99082..., truncated to 8.99
	assert.True(t, net.Equal(decimal.RequireFromString("8.99")), "net = %s", net)
	fees := s.Fees(net)
	// 0.20 + 8.99*0.09 = 1.0091, rounded up to 1.01
	assert.True(t, fees.Equal(decimal.RequireFromString("1.01")), "fees = %s", fees)
	// charged never exceeds the pledged amount
	assert.True(t, net.Add(fees).LessThanOrEqual(gross))
}

func TestFeesRoundUpNeverDropsACent(t *testing.T) {
	s := testSchedule()
	for _, in := range []struct{ net, want string }{
		{"1.00", "0.29"},
		{"8.99", "1.01"},
		{"100.00", "9.20"},
		{"0.01", "0.21"}, // 0.0009 percent fee still rounds up to a cent
	} {
		fees := s.Fees(decimal.RequireFromString(in.net))
		assert.True(t, fees.Equal(decimal.RequireFromString(in.want)), "fees(%s) = %s, want %s", in.net, fees, in.want)
	}
}

func TestMinimumPledge(t *testing.T) {
	s := testSchedule()
	// one cent to each of 100 recipients plus fees: 1.00*1.09+0.20 = 1.29
	m := s.MinimumPledge(100)
	assert.True(t, m.Equal(decimal.RequireFromString("1.29")), "minimum = %s", m)
	// small splits are floored at the minimum contribution
	m = s.MinimumPledge(2)
	assert.True(t, m.Equal(s.MinContrib), "minimum = %s", m)
}

func TestAllocateExactSum(t *testing.T) {
	net := decimal.RequireFromString("10.00")
	weights := []decimal.Decimal{
		decimal.RequireFromString("1"),
		decimal.RequireFromString("1"),
		decimal.RequireFromString("1"),
	}
	shares, err := Allocate(net, weights)
	require.NoError(t, err)
	// 10.00/3 truncates to 3.33 each; the penny residual lands on one share
	sum := decimal.Zero
	for _, sh := range shares {
		sum = sum.Add(sh)
	}
	assert.True(t, sum.Equal(net), "sum = %s", sum)
	assert.True(t, shares[0].Equal(decimal.RequireFromString("3.34")), "largest-first share gets the residual, got %s", shares[0])
	assert.True(t, shares[1].Equal(decimal.RequireFromString("3.33")))
	assert.True(t, shares[2].Equal(decimal.RequireFromString("3.33")))
}

func TestAllocateResidualToLargest(t *testing.T) {
	net := decimal.RequireFromString("1.00")
	weights := []decimal.Decimal{
		decimal.RequireFromString("1"),
		decimal.RequireFromString("2"),
	}
	shares, err := Allocate(net, weights)
	require.NoError(t, err)
	// 0.33 + 0.66 leaves a cent; it goes to the larger share
	assert.True(t, shares[0].Equal(decimal.RequireFromString("0.33")), "got %s", shares[0])
	assert.True(t, shares[1].Equal(decimal.RequireFromString("0.67")), "got %s", shares[1])
}

func TestAllocateZeroWeightShare(t *testing.T) {
	net := decimal.RequireFromString("5.00")
	weights := []decimal.Decimal{
		decimal.RequireFromString("1"),
		decimal.Zero,
	}
	shares, err := Allocate(net, weights)
	require.NoError(t, err)
	assert.True(t, shares[0].Equal(net))
	assert.True(t, shares[1].IsZero())
}

func TestAllocateRejectsDegenerateWeights(t *testing.T) {
	net := decimal.RequireFromString("5.00")
	_, err := Allocate(net, nil)
	assert.Error(t, err)
	_, err = Allocate(net, []decimal.Decimal{decimal.Zero})
	assert.Error(t, err)
	_, err = Allocate(net, []decimal.Decimal{decimal.RequireFromString("-1")})
	assert.Error(t, err)
}

func TestParse(t *testing.T) {
	d, err := Parse("12.34")
	require.NoError(t, err)
	assert.True(t, d.Equal(decimal.RequireFromString("12.34")))
	_, err = Parse("0.001")
	assert.Error(t, err)
	_, err = Parse("abc")
	assert.Error(t, err)
}
