package types

import (
	"errors"
	"sync"
)

var (
	// ErrUnknownProduct is returned for operations on an id that
	// was never added to the store.
	ErrUnknownProduct = errors.New("unknown product")

	// ErrProductExists is returned when adding an id already
	// present. Overwriting requires an explicit Update.
	ErrProductExists = errors.New("product already exists")

	// ErrInvalidQuantity is returned for non-positive amounts on
	// operations that require them.
	ErrInvalidQuantity = errors.New("invalid quantity")

	// ErrInsufficientStock is returned when a reduction asks for
	// more units than available.
	ErrInsufficientStock = errors.New("insufficient stock")
)

// InventoryStats are the running counters maintained by the store.
type InventoryStats struct {
	Transactions  uint64
	ItemsSold     uint64
	ItemsReceived uint64
	LastModified  int64
}

// Inventory is the thread safe product catalogue of a single
// branch. Writers are mutually exclusive, readers proceed in
// parallel with other readers. Every method is atomic with respect
// to the store state and returned products are defensive copies.
type Inventory struct {
	mutex    sync.RWMutex
	products map[string]Product
	stats    InventoryStats
}

// NewInventory creates a store seeded with the given products.
// Invalid seed rows are skipped.
func NewInventory(seed []Product) *Inventory {
	i := &Inventory{products: make(map[string]Product)}
	for _, p := range seed {
		_ = i.Add(p)
	}
	return i
}

// Add stores a new product. Fails if the product is invalid or the
// id is already present.
func (i *Inventory) Add(product Product) error {
	if err := product.Validate(); err != nil {
		return err
	}
	i.mutex.Lock()
	defer i.mutex.Unlock()
	if _, ok := i.products[product.ID]; ok {
		return ErrProductExists
	}
	product.UpdatedAt = NowMillis()
	i.products[product.ID] = product
	i.touch()
	return nil
}

// Update overwrites an existing product row, keeping the id.
func (i *Inventory) Update(product Product) error {
	if err := product.Validate(); err != nil {
		return err
	}
	i.mutex.Lock()
	defer i.mutex.Unlock()
	if _, ok := i.products[product.ID]; !ok {
		return ErrUnknownProduct
	}
	product.UpdatedAt = NowMillis()
	i.products[product.ID] = product
	i.touch()
	return nil
}

// Remove deletes a product row. Used by the admin surface only.
func (i *Inventory) Remove(id string) error {
	i.mutex.Lock()
	defer i.mutex.Unlock()
	if _, ok := i.products[id]; !ok {
		return ErrUnknownProduct
	}
	delete(i.products, id)
	i.touch()
	return nil
}

// Get returns a copy of the product with the given id.
func (i *Inventory) Get(id string) (Product, bool) {
	i.mutex.RLock()
	defer i.mutex.RUnlock()
	p, ok := i.products[id]
	return p, ok
}

// List returns a copy of every product. Ordering is unspecified.
func (i *Inventory) List() []Product {
	i.mutex.RLock()
	defer i.mutex.RUnlock()
	out := make([]Product, 0, len(i.products))
	for _, p := range i.products {
		out = append(out, p)
	}
	return out
}

// UpdateQuantity sets the absolute quantity for a product, feeding
// the stats counters by the sign of the delta.
func (i *Inventory) UpdateQuantity(id string, quantity int) error {
	if quantity < 0 {
		return ErrInvalidQuantity
	}
	i.mutex.Lock()
	defer i.mutex.Unlock()
	p, ok := i.products[id]
	if !ok {
		return ErrUnknownProduct
	}
	delta := quantity - p.Quantity
	if delta > 0 {
		i.stats.ItemsReceived += uint64(delta)
	} else {
		i.stats.ItemsSold += uint64(-delta)
	}
	p.Quantity = quantity
	i.commit(p)
	return nil
}

// Reduce decrements the quantity, failing when not enough units
// are available.
func (i *Inventory) Reduce(id string, amount int) error {
	if amount <= 0 {
		return ErrInvalidQuantity
	}
	i.mutex.Lock()
	defer i.mutex.Unlock()
	return i.reduce(id, amount)
}

// AddStock increments the quantity.
func (i *Inventory) AddStock(id string, amount int) error {
	if amount <= 0 {
		return ErrInvalidQuantity
	}
	i.mutex.Lock()
	defer i.mutex.Unlock()
	return i.credit(id, amount)
}

// TransferOut debits stock that will be shipped to another branch.
// Semantically a Reduce: the units count as sold on the stats
// counters, which keep no separate transfer-out tag. The
// destination is only checked to be non-empty.
func (i *Inventory) TransferOut(id string, amount int, to string) error {
	if amount <= 0 {
		return ErrInvalidQuantity
	}
	if to == "" {
		return ErrInvalidProduct
	}
	i.mutex.Lock()
	defer i.mutex.Unlock()
	return i.reduce(id, amount)
}

// Receive credits stock shipped from another branch.
func (i *Inventory) Receive(id string, amount int) error {
	if amount <= 0 {
		return ErrInvalidQuantity
	}
	i.mutex.Lock()
	defer i.mutex.Unlock()
	return i.credit(id, amount)
}

// LowStock snapshots every product at or below its minimum stock.
func (i *Inventory) LowStock() []Product {
	i.mutex.RLock()
	defer i.mutex.RUnlock()
	var out []Product
	for _, p := range i.products {
		if p.Quantity <= p.MinStock {
			out = append(out, p)
		}
	}
	return out
}

// Stats snapshots the running counters.
func (i *Inventory) Stats() InventoryStats {
	i.mutex.RLock()
	defer i.mutex.RUnlock()
	return i.stats
}

func (i *Inventory) reduce(id string, amount int) error {
	p, ok := i.products[id]
	if !ok {
		return ErrUnknownProduct
	}
	if p.Quantity < amount {
		return ErrInsufficientStock
	}
	p.Quantity -= amount
	i.stats.ItemsSold += uint64(amount)
	i.commit(p)
	return nil
}

func (i *Inventory) credit(id string, amount int) error {
	p, ok := i.products[id]
	if !ok {
		return ErrUnknownProduct
	}
	p.Quantity += amount
	i.stats.ItemsReceived += uint64(amount)
	i.commit(p)
	return nil
}

// commit writes back a mutated row. Callers hold the write lock.
func (i *Inventory) commit(p Product) {
	p.UpdatedAt = NowMillis()
	i.products[p.ID] = p
	i.touch()
}

func (i *Inventory) touch() {
	i.stats.Transactions++
	i.stats.LastModified = NowMillis()
}
