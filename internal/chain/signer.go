package chain

import (
	"crypto/ecdsa"
	"math/big"
	"strings"

	"github.com/betbot/relayer/pkg/secretstore"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	hdwallet "github.com/miguelmota/go-ethereum-hdwallet"
	"github.com/pkg/errors"
)

// DefaultDerivationPath 以太坊第一个账户
const DefaultDerivationPath = "m/44'/60'/0'/0/0"

// KeySigner 使用 ECDSA 私钥签名（EIP-155）
type KeySigner struct {
	key     *ecdsa.PrivateKey
	address common.Address
	signer  types.Signer
}

// NewKeySigner 由私钥创建签名器
func NewKeySigner(key *ecdsa.PrivateKey, chainID *big.Int) *KeySigner {
	return &KeySigner{
		key:     key,
		address: crypto.PubkeyToAddress(key.PublicKey),
		signer:  types.NewEIP155Signer(chainID),
	}
}

// SignerFromHex 由十六进制私钥（可带 0x）创建签名器
func SignerFromHex(hexKey string, chainID *big.Int) (*KeySigner, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(hexKey), "0x"))
	if err != nil {
		return nil, errors.Wrap(err, "invalid private key")
	}
	return NewKeySigner(key, chainID), nil
}

// SignerFromMnemonic 按 BIP-44 路径从助记词派生签名器
func SignerFromMnemonic(mnemonic, derivationPath string, chainID *big.Int) (*KeySigner, error) {
	mnemonic = strings.TrimSpace(mnemonic)
	if mnemonic == "" {
		return nil, errors.New("mnemonic is required")
	}
	if strings.TrimSpace(derivationPath) == "" {
		derivationPath = DefaultDerivationPath
	}
	w, err := hdwallet.NewFromMnemonic(mnemonic)
	if err != nil {
		return nil, errors.Wrap(err, "invalid mnemonic")
	}
	path, err := hdwallet.ParseDerivationPath(derivationPath)
	if err != nil {
		return nil, errors.Wrap(err, "invalid derivation path")
	}
	acct, err := w.Derive(path, false)
	if err != nil {
		return nil, errors.Wrap(err, "derive account")
	}
	key, err := w.PrivateKey(acct)
	if err != nil {
		return nil, errors.Wrap(err, "derive private key")
	}
	return NewKeySigner(key, chainID), nil
}

// SignerFromSecretStore 从加密 secret store 读取私钥（十六进制）或助记词
func SignerFromSecretStore(store *secretstore.Store, name, derivationPath string, chainID *big.Int) (*KeySigner, error) {
	secret, err := store.Get(name)
	if err != nil {
		return nil, errors.Wrapf(err, "read secret %q", name)
	}
	secret = strings.TrimSpace(secret)
	if strings.Contains(secret, " ") {
		return SignerFromMnemonic(secret, derivationPath, chainID)
	}
	return SignerFromHex(secret, chainID)
}

func (s *KeySigner) Address() common.Address { return s.address }

func (s *KeySigner) Sign(tx *types.Transaction) (*types.Transaction, error) {
	signed, err := types.SignTx(tx, s.signer, s.key)
	if err != nil {
		return nil, errors.Wrap(err, "sign transaction")
	}
	return signed, nil
}
