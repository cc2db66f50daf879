package web3

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/accounts/keystore"

	xerrors "github.com/ClarenceL/infinite-bazaar-demo-sub001/internal/errors"
)

const walletIndexFile = ".entities.json"

// Wallet binds an entity to a keystore account.
type Wallet struct {
	EntityID  string    `json:"entity_id"`
	Address   string    `json:"address"`
	CreatedAt time.Time `json:"created_at"`
}

// Wallets 在本地 keystore 中为每个实体维护一个账户。
type Wallets struct {
	ks         *keystore.KeyStore
	passphrase string
	indexPath  string

	mu    sync.Mutex
	index map[string]Wallet
}

// WalletOption customises Wallets.
type WalletOption func(*walletOptions)

type walletOptions struct {
	scryptN int
	scryptP int
}

// WithLightScrypt uses the light scrypt parameters, which is what tests and
// local development want.
func WithLightScrypt() WalletOption {
	return func(o *walletOptions) {
		o.scryptN = keystore.LightScryptN
		o.scryptP = keystore.LightScryptP
	}
}

// OpenWallets 打开 dir 下的 keystore，并加载实体索引。
func OpenWallets(dir, passphrase string, opts ...WalletOption) (*Wallets, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "未配置 keystore 目录")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("创建 keystore 目录失败: %w", err)
	}

	o := walletOptions{scryptN: keystore.StandardScryptN, scryptP: keystore.StandardScryptP}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}

	w := &Wallets{
		ks:         keystore.NewKeyStore(dir, o.scryptN, o.scryptP),
		passphrase: passphrase,
		indexPath:  filepath.Join(dir, walletIndexFile),
		index:      make(map[string]Wallet),
	}
	if err := w.loadIndex(); err != nil {
		return nil, err
	}
	return w, nil
}

// Create 为实体生成新账户。实体已有钱包时返回已有钱包且 created 为 false。
func (w *Wallets) Create(entityID string) (wallet Wallet, created bool, err error) {
	entityID = strings.TrimSpace(entityID)
	if entityID == "" {
		return Wallet{}, false, xerrors.New(xerrors.CodeInvalidArgument, "entity_id 不能为空")
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if existing, ok := w.index[entityID]; ok {
		return existing, false, nil
	}

	account, err := w.ks.NewAccount(w.passphrase)
	if err != nil {
		return Wallet{}, false, xerrors.Wrap(xerrors.CodeStorageFailure, err, "创建钱包账户失败")
	}
	wallet = Wallet{EntityID: entityID, Address: account.Address.Hex(), CreatedAt: time.Now().UTC()}
	w.index[entityID] = wallet
	if err := w.saveIndex(); err != nil {
		delete(w.index, entityID)
		return Wallet{}, false, err
	}
	return wallet, true, nil
}

// Get 返回实体的钱包。
func (w *Wallets) Get(entityID string) (Wallet, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	wallet, ok := w.index[entityID]
	return wallet, ok
}

// Accounts 返回 keystore 中的账户数量。
func (w *Wallets) Accounts() int {
	return len(w.ks.Accounts())
}

func (w *Wallets) loadIndex() error {
	content, err := os.ReadFile(w.indexPath)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("读取钱包索引失败: %w", err)
	}
	var wallets []Wallet
	if err := json.Unmarshal(content, &wallets); err != nil {
		return fmt.Errorf("解析钱包索引失败: %w", err)
	}
	for _, wallet := range wallets {
		w.index[wallet.EntityID] = wallet
	}
	return nil
}

func (w *Wallets) saveIndex() error {
	wallets := make([]Wallet, 0, len(w.index))
	for _, wallet := range w.index {
		wallets = append(wallets, wallet)
	}
	content, err := json.MarshalIndent(wallets, "", "  ")
	if err != nil {
		return fmt.Errorf("序列化钱包索引失败: %w", err)
	}
	tmp := w.indexPath + ".tmp"
	if err := os.WriteFile(tmp, content, 0o600); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入钱包索引失败")
	}
	if err := os.Rename(tmp, w.indexPath); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入钱包索引失败")
	}
	return nil
}
