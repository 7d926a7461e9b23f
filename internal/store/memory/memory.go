package memory

import (
	"context"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"

	"pharmabill/backend/internal/domain"
	"pharmabill/backend/internal/sequence"
	"pharmabill/backend/internal/store"
	"pharmabill/backend/internal/xid"
)

// Store keeps everything in maps. A transaction works on a private copy of
// the state that replaces the shared one only when fn succeeds.
type Store struct {
	mu              sync.RWMutex
	st              *state
	auditLogs       []domain.AuditLog
	usersByUsername map[string]domain.UserAccount
}

func New() *Store {
	return &Store{
		st:              newState(),
		usersByUsername: make(map[string]domain.UserAccount),
	}
}

// seedUsers builds the initial in-memory user accounts for dev/demo mode.
// Credentials are read from SEED_ADMIN_PASSWORD and SEED_CASHIER_PASSWORD;
// dev defaults are used with a warning when unset.
func seedUsers() map[string]domain.UserAccount {
	adminPwd := envOr("SEED_ADMIN_PASSWORD", "admin123")
	cashierPwd := envOr("SEED_CASHIER_PASSWORD", "cashier123")
	if os.Getenv("SEED_ADMIN_PASSWORD") == "" || os.Getenv("SEED_CASHIER_PASSWORD") == "" {
		logrus.WithField("store", "memory").Warn("using default dev credentials; set SEED_ADMIN_PASSWORD and SEED_CASHIER_PASSWORD to override")
	}

	now := time.Now().UTC()
	users := map[string]domain.UserAccount{}
	for _, u := range []struct {
		username string
		password string
		role     string
	}{
		{"admin", adminPwd, domain.RoleAdmin},
		{"cashier", cashierPwd, domain.RoleCashier},
	} {
		hash, err := bcrypt.GenerateFromPassword([]byte(u.password), bcrypt.DefaultCost)
		if err != nil {
			logrus.WithError(err).WithField("username", u.username).Fatal("hash seed password")
		}
		users[u.username] = domain.UserAccount{
			Username:  u.username,
			Password:  string(hash),
			Role:      u.role,
			Active:    true,
			CreatedAt: now,
		}
	}
	return users
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// NewSeeded returns a store with demo users, a small catalog and an open
// bill sequence for the current fiscal year.
func NewSeeded() *Store {
	s := New()
	s.usersByUsername = seedUsers()

	now := time.Now().UTC()
	nextYear := now.AddDate(1, 0, 0)
	medicines := []domain.Medicine{
		{ID: "med-paracetamol-500", Name: "Paracetamol 500mg Tablet", GenericName: "Paracetamol", Manufacturer: "Micro Labs", HSNCode: "30049099", TaxRate: domain.TaxTwelve, ReorderLevel: 50, Active: true, CreatedAt: now},
		{ID: "med-azithromycin-500", Name: "Azithromycin 500mg Tablet", GenericName: "Azithromycin", Manufacturer: "Alembic", HSNCode: "30042019", TaxRate: domain.TaxTwelve, ScheduleDrug: true, ReorderLevel: 20, Active: true, CreatedAt: now},
		{ID: "med-oral-contraceptive", Name: "Oral Contraceptive Pack", GenericName: "Levonorgestrel", Manufacturer: "HLL Lifecare", HSNCode: "30066010", TaxRate: domain.TaxExempt, ReorderLevel: 5, Active: true, CreatedAt: now},
	}
	batches := []domain.Batch{
		{ID: "batch-pcm-2401", MedicineID: "med-paracetamol-500", BatchNumber: "PCM2401", ExpiryDate: nextYear, PurchasePricePaise: 2200, MRPPaise: 3500, SellingPricePaise: 3200, PriceInclusive: true, PackSize: 10, Quantity: 600, Location: "A1", CreatedAt: now},
		{ID: "batch-azi-2402", MedicineID: "med-azithromycin-500", BatchNumber: "AZ2402", ExpiryDate: nextYear, PurchasePricePaise: 8000, MRPPaise: 12500, SellingPricePaise: 11900, PriceInclusive: true, PackSize: 3, Quantity: 60, Location: "B2", CreatedAt: now},
		{ID: "batch-ocp-2403", MedicineID: "med-oral-contraceptive", BatchNumber: "OC2403", ExpiryDate: nextYear, PurchasePricePaise: 15000, MRPPaise: 22000, SellingPricePaise: 21000, PriceInclusive: true, PackSize: 1, Quantity: 12, Location: "C1", CreatedAt: now},
	}
	for _, m := range medicines {
		s.st.medicines[m.ID] = m
	}
	for _, b := range batches {
		s.st.batches[b.ID] = b
	}
	s.st.customers["cust-ramesh"] = domain.Customer{ID: "cust-ramesh", Name: "Ramesh Kumar", Phone: "+919876543210", CreatedAt: now}

	fy := sequence.FiscalYear(now)
	s.st.sequences[fy] = domain.BillSequence{FinancialYear: fy, Prefix: "INV", UpdatedAt: now}
	return s
}

func (s *Store) WithinTx(ctx context.Context, fn func(tx store.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	work := s.st.clone()
	if err := fn(work); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.st = work
	return nil
}

func (s *Store) Ping(_ context.Context) error {
	return nil
}

func (s *Store) Close() error {
	return nil
}

func (s *Store) CreateAuditLog(_ context.Context, entry domain.AuditLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry.ID == "" {
		entry.ID = xid.New("audit")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	s.auditLogs = append(s.auditLogs, entry)
	return nil
}

func (s *Store) ListAuditLogs(_ context.Context, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.AuditLog, 0, 64)
	for _, entry := range s.auditLogs {
		if entry.CreatedAt.Before(from) || !entry.CreatedAt.Before(to) {
			continue
		}
		result = append(result, entry)
	}

	slices.SortFunc(result, func(a, b domain.AuditLog) int {
		if a.CreatedAt.Equal(b.CreatedAt) {
			return strings.Compare(b.ID, a.ID)
		}
		if a.CreatedAt.After(b.CreatedAt) {
			return -1
		}
		return 1
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *Store) CreateUser(_ context.Context, user domain.UserAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	username := strings.ToLower(strings.TrimSpace(user.Username))
	if username == "" || strings.TrimSpace(user.Password) == "" {
		return store.ErrInvalidTransaction
	}
	if _, exists := s.usersByUsername[username]; exists {
		return store.ErrConflict
	}
	user.Username = username
	if user.Role == "" {
		user.Role = domain.RoleCashier
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	user.Active = true
	s.usersByUsername[user.Username] = user
	return nil
}

func (s *Store) ListUsers(_ context.Context) ([]domain.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	users := make([]domain.UserAccount, 0, len(s.usersByUsername))
	for _, user := range s.usersByUsername {
		users = append(users, user)
	}
	slices.SortFunc(users, func(a, b domain.UserAccount) int {
		return strings.Compare(a.Username, b.Username)
	})
	return users, nil
}

func (s *Store) UpdateUserPassword(_ context.Context, username string, password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	username = strings.ToLower(strings.TrimSpace(username))
	if username == "" || strings.TrimSpace(password) == "" {
		return store.ErrInvalidTransaction
	}
	user, exists := s.usersByUsername[username]
	if !exists {
		return store.ErrNotFound
	}
	user.Password = password
	s.usersByUsername[username] = user
	return nil
}

func (s *Store) GetMedicine(ctx context.Context, id string) (*domain.Medicine, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.st.GetMedicine(ctx, id)
}

func (s *Store) ListMedicines(ctx context.Context, includeInactive bool) ([]domain.Medicine, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.st.ListMedicines(ctx, includeInactive)
}

func (s *Store) GetBatch(ctx context.Context, id string) (*domain.Batch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.st.GetBatch(ctx, id)
}

func (s *Store) ListBatches(ctx context.Context, filter store.BatchFilter) ([]domain.Batch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.st.ListBatches(ctx, filter)
}

func (s *Store) GetCustomer(ctx context.Context, id string) (*domain.Customer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.st.GetCustomer(ctx, id)
}

func (s *Store) ListCustomers(ctx context.Context, limit int) ([]domain.Customer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.st.ListCustomers(ctx, limit)
}

func (s *Store) ListCreditEntries(ctx context.Context, customerID string) ([]domain.CreditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.st.ListCreditEntries(ctx, customerID)
}

func (s *Store) GetBill(ctx context.Context, id string) (*domain.Bill, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.st.GetBill(ctx, id)
}

func (s *Store) GetBillByNumber(ctx context.Context, billNumber string) (*domain.Bill, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.st.GetBillByNumber(ctx, billNumber)
}

func (s *Store) GetBillByIdempotencyKey(ctx context.Context, key string) (*domain.Bill, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.st.GetBillByIdempotencyKey(ctx, key)
}

func (s *Store) ListPatientRecords(ctx context.Context, billID string) ([]domain.PatientRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.st.ListPatientRecords(ctx, billID)
}

func (s *Store) GetRunningBill(ctx context.Context, id string) (*domain.RunningBill, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.st.GetRunningBill(ctx, id)
}

func (s *Store) ListRunningBills(ctx context.Context, status domain.RunningBillStatus, limit int) ([]domain.RunningBill, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.st.ListRunningBills(ctx, status, limit)
}

func (s *Store) ListRunningBillsByBill(ctx context.Context, billID string) ([]domain.RunningBill, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.st.ListRunningBillsByBill(ctx, billID)
}

func (s *Store) ReturnedQuantity(ctx context.Context, billItemID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.st.ReturnedQuantity(ctx, billItemID)
}

func (s *Store) GetBillSequence(ctx context.Context, financialYear string) (*domain.BillSequence, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.st.GetBillSequence(ctx, financialYear)
}
