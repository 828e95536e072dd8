package intent

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	testUser        = common.HexToAddress("0x9f5fD813Bb33eD5304dCe2f1D89E97fb14Cc7877")
	testTokenA      = common.HexToAddress("0xfFf9976782d46CC05630D1f6eBAb18b2324d6B14")
	testTokenB      = common.HexToAddress("0x980B62Da83eFf3D4576C647993b0c1D7faf17c73")
	testInputOracle = common.HexToAddress("0xa39434521088d9a50325BC50eC2f50660e06Df34")
	testDestOracle  = common.HexToAddress("0x7711d06A5F6Fc7772aa109D2231635CEC3850dBa")
	testDestSettler = common.HexToAddress("0x92DAe04879b394104491d5153C36d814bEbcB388")
)

func testOrder() StandardOrder {
	return StandardOrder{
		User:          testUser,
		Nonce:         big.NewInt(1739000000123),
		OriginChainID: big.NewInt(11155111),
		Expires:       1739007200,
		FillDeadline:  1739003600,
		InputOracle:   testInputOracle,
		Inputs: []Input{
			{Token: testTokenA, Amount: big.NewInt(1_000_000)},
		},
		Outputs: []MandateOutput{
			{
				Oracle:    WidenAddress(testDestOracle),
				Settler:   WidenAddress(testDestSettler),
				ChainID:   big.NewInt(421614),
				Token:     WidenAddress(testTokenB),
				Amount:    big.NewInt(900_000),
				Recipient: WidenAddress(testUser),
			},
		},
	}
}

func TestEncodeOrderRoundTrip(t *testing.T) {
	multi := testOrder()
	multi.Inputs = append(multi.Inputs, Input{Token: testTokenB, Amount: new(big.Int).Lsh(big.NewInt(1), 200)})
	second := multi.Outputs[0]
	second.ChainID = big.NewInt(84532)
	second.Call = []byte{0xde, 0xad, 0xbe, 0xef}
	second.Context = []byte("ctx")
	multi.Outputs = append(multi.Outputs, second)

	for name, order := range map[string]StandardOrder{
		"single leg": testOrder(),
		"multi leg":  multi,
	} {
		t.Run(name, func(t *testing.T) {
			encoded, err := EncodeOrder(order)
			require.NoError(t, err)

			decoded, err := DecodeOrder(encoded)
			require.NoError(t, err)
			assert.True(t, order.Equal(decoded), "decoded order differs: %+v", decoded)

			again, err := EncodeOrder(decoded)
			require.NoError(t, err)
			assert.Equal(t, encoded, again)
		})
	}
}

func TestComputeOrderIDDeterministic(t *testing.T) {
	a, err := ComputeOrderID(testOrder())
	require.NoError(t, err)
	b, err := ComputeOrderID(testOrder())
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.False(t, a.IsZero())

	bumped := testOrder()
	bumped.Nonce = new(big.Int).Add(bumped.Nonce, big.NewInt(1))
	c, err := ComputeOrderID(bumped)
	require.NoError(t, err)
	assert.NotEqual(t, a, c)

	recipient := testOrder()
	recipient.Outputs[0].Recipient = WidenAddress(testTokenA)
	d, err := ComputeOrderID(recipient)
	require.NoError(t, err)
	assert.NotEqual(t, a, d)
}

func TestValidateRejectsBrokenInvariants(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(o *StandardOrder)
	}{
		{"fill deadline equals expiry", func(o *StandardOrder) { o.FillDeadline = o.Expires }},
		{"fill deadline after expiry", func(o *StandardOrder) { o.FillDeadline = o.Expires + 1 }},
		{"no inputs", func(o *StandardOrder) { o.Inputs = nil }},
		{"no outputs", func(o *StandardOrder) { o.Outputs = nil }},
		{"zero input amount", func(o *StandardOrder) { o.Inputs[0].Amount = big.NewInt(0) }},
		{"zero output amount", func(o *StandardOrder) { o.Outputs[0].Amount = big.NewInt(0) }},
		{"missing nonce", func(o *StandardOrder) { o.Nonce = nil }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := testOrder()
			tt.mutate(&o)
			assert.ErrorIs(t, o.Validate(), ErrInvalidOrder)
		})
	}

	assert.NoError(t, testOrder().Validate())
}

func TestDecodeOrderRejectsTruncatedBuffer(t *testing.T) {
	encoded, err := EncodeOrder(testOrder())
	require.NoError(t, err)

	for _, n := range []int{0, 31, 64, len(encoded) / 2, len(encoded) - 1} {
		_, err := DecodeOrder(encoded[:n])
		assert.ErrorIs(t, err, ErrDecode, "length %d", n)
	}
}

func TestNarrowAddress(t *testing.T) {
	wide := WidenAddress(testUser)
	assert.Equal(t, make([]byte, 12), wide[:12])

	addr, err := NarrowAddress(wide)
	require.NoError(t, err)
	assert.Equal(t, testUser, addr)

	wide[0] = 1
	_, err = NarrowAddress(wide)
	assert.ErrorIs(t, err, ErrDecode)
}

func TestHexToOrderID(t *testing.T) {
	id, err := ComputeOrderID(testOrder())
	require.NoError(t, err)

	parsed, err := HexToOrderID(id.Hex())
	require.NoError(t, err)
	assert.Equal(t, id, parsed)

	_, err = HexToOrderID("0x1234")
	assert.Error(t, err)
}

func TestApplySlippage(t *testing.T) {
	min, err := ApplySlippage(big.NewInt(1_000_000), 1_000)
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(900_000), min)

	min, err = ApplySlippage(big.NewInt(999), 1)
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(998), min)

	_, err = ApplySlippage(big.NewInt(1), 10_000)
	assert.ErrorIs(t, err, ErrInvalidOrder)
	_, err = ApplySlippage(big.NewInt(1), 5_000)
	assert.ErrorIs(t, err, ErrInvalidOrder)
}
