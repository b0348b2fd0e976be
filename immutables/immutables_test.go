package immutables

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/hashlocked/escrowd/timelocks"
	"github.com/stretchr/testify/require"
)

func localAddr(b byte) LocalAddress {
	var raw [LocalAccountLen]byte
	for i := range raw {
		raw[i] = b
	}
	return LocalAddressFromBytes(raw)
}

func testImmutables() Immutables {
	return Immutables{
		OrderHash: common.HexToHash("0x01"),
		Hashlock:  common.HexToHash("0x02"),
		Maker: DualAddress{
			EVM:   common.HexToAddress("0x1111111111111111111111111111111111111111"),
			Local: localAddr(0x11),
		},
		Taker: DualAddress{
			EVM:   common.HexToAddress("0x2222222222222222222222222222222222222222"),
			Local: localAddr(0x22),
		},
		Token: DualAddress{
			EVM:   common.HexToAddress("0x3333333333333333333333333333333333333333"),
			Local: localAddr(0x33),
		},
		Amount:        big.NewInt(1000),
		SafetyDeposit: big.NewInt(50),
		Timelocks:     timelocks.New(1000, 100, 200, 300, 400, 150, 250, 350),
	}
}

func TestLocalAddressValidate(t *testing.T) {
	require.NoError(t, localAddr(0xab).Validate())

	err := LocalAddress("").Validate()
	require.ErrorIs(t, err, ErrInvalidLocalAddress)

	// 0, O, I and l are outside the base58 alphabet.
	err = LocalAddress("0OIl").Validate()
	require.ErrorIs(t, err, ErrInvalidLocalAddress)

	// valid base58 but wrong decoded length
	err = LocalAddress("abc").Validate()
	require.ErrorIs(t, err, ErrInvalidLocalAddress)
}

func TestValidateAmounts(t *testing.T) {
	t.Run("ok", func(t *testing.T) {
		require.NoError(t, testImmutables().ValidateAmounts())
	})

	t.Run("nil amount", func(t *testing.T) {
		imm := testImmutables()
		imm.Amount = nil
		require.ErrorIs(t, imm.ValidateAmounts(), ErrNonPositiveAmount)
	})

	t.Run("zero amount", func(t *testing.T) {
		imm := testImmutables()
		imm.Amount = big.NewInt(0)
		require.ErrorIs(t, imm.ValidateAmounts(), ErrNonPositiveAmount)
	})

	t.Run("negative amount", func(t *testing.T) {
		imm := testImmutables()
		imm.Amount = big.NewInt(-1)
		require.ErrorIs(t, imm.ValidateAmounts(), ErrNonPositiveAmount)
	})

	t.Run("zero safety deposit is valid", func(t *testing.T) {
		imm := testImmutables()
		imm.SafetyDeposit = big.NewInt(0)
		require.NoError(t, imm.ValidateAmounts())
	})

	t.Run("negative safety deposit", func(t *testing.T) {
		imm := testImmutables()
		imm.SafetyDeposit = big.NewInt(-1)
		require.ErrorIs(t, imm.ValidateAmounts(), ErrNegativeSafetyDeposit)
	})

	t.Run("amount over 128 bits", func(t *testing.T) {
		imm := testImmutables()
		imm.Amount = new(big.Int).Lsh(big.NewInt(1), 128)
		require.ErrorIs(t, imm.ValidateAmounts(), ErrAmountOutOfRange)
	})
}

func TestValidate(t *testing.T) {
	require.NoError(t, testImmutables().Validate())

	t.Run("bad maker", func(t *testing.T) {
		imm := testImmutables()
		imm.Maker.Local = ""
		require.ErrorIs(t, imm.Validate(), ErrInvalidLocalAddress)
	})

	t.Run("bad schedule", func(t *testing.T) {
		imm := testImmutables()
		imm.Timelocks.DeployedAt = 0
		require.ErrorIs(t, imm.Validate(), timelocks.ErrDeployedAtNotSet)
	})
}

func TestHash(t *testing.T) {
	imm := testImmutables()

	h1, err := imm.Hash()
	require.NoError(t, err)
	require.NotEqual(t, common.Hash{}, h1)

	// deterministic
	h2, err := imm.Hash()
	require.NoError(t, err)
	require.Equal(t, h1, h2)

	// hash must match a direct keccak over the abi-style preimage
	preimage := make([]byte, 0, 8*32)
	preimage = append(preimage, imm.OrderHash.Bytes()...)
	preimage = append(preimage, imm.Hashlock.Bytes()...)
	for _, addr := range []common.Address{imm.Maker.EVM, imm.Taker.EVM, imm.Token.EVM} {
		word := make([]byte, 32)
		copy(word[12:], addr.Bytes())
		preimage = append(preimage, word...)
	}
	for _, amount := range []*big.Int{imm.Amount, imm.SafetyDeposit} {
		word := make([]byte, 32)
		amount.FillBytes(word[16:])
		preimage = append(preimage, word...)
	}
	packed, err := imm.Timelocks.Pack()
	require.NoError(t, err)
	preimage = append(preimage, packed[:]...)
	require.Equal(t, crypto.Keccak256Hash(preimage), h1)
}

func TestHashSensitivity(t *testing.T) {
	imm := testImmutables()
	base, err := imm.Hash()
	require.NoError(t, err)

	t.Run("amount change", func(t *testing.T) {
		mod := testImmutables()
		mod.Amount = big.NewInt(1001)
		h, err := mod.Hash()
		require.NoError(t, err)
		require.NotEqual(t, base, h)
	})

	t.Run("evm address change", func(t *testing.T) {
		mod := testImmutables()
		mod.Taker.EVM = common.HexToAddress("0x4444444444444444444444444444444444444444")
		h, err := mod.Hash()
		require.NoError(t, err)
		require.NotEqual(t, base, h)
	})

	t.Run("timelock change", func(t *testing.T) {
		mod := testImmutables()
		mod.Timelocks.SrcWithdrawal++
		h, err := mod.Hash()
		require.NoError(t, err)
		require.NotEqual(t, base, h)
	})

	t.Run("local address does not enter the hash", func(t *testing.T) {
		mod := testImmutables()
		mod.Maker.Local = localAddr(0x99)
		h, err := mod.Hash()
		require.NoError(t, err)
		require.Equal(t, base, h)
	})
}

func TestHashInvalidAmounts(t *testing.T) {
	imm := testImmutables()
	imm.Amount = big.NewInt(-5)
	_, err := imm.Hash()
	require.ErrorIs(t, err, ErrNonPositiveAmount)
}

func TestHashPackedOverflow(t *testing.T) {
	imm := testImmutables()
	imm.Timelocks.DeployedAt = 1 << 40
	_, err := imm.Hash()
	require.ErrorIs(t, err, timelocks.ErrOverflow)
}
