package driver

import "sync"

// RxMetadata is the plain content of a receive metadata object.
type RxMetadata struct {
	HasTimeSpec    bool
	FullSecs       int64
	FracSecs       float64
	StartOfBurst   bool
	EndOfBurst     bool
	ErrorCode      RxErrorCode
	OutOfSequence  bool
	FragmentOffset int
	MoreFragments  bool
}

// TxMetadata is the plain content of a transmit metadata object.
type TxMetadata struct {
	HasTimeSpec  bool
	FullSecs     int64
	FracSecs     float64
	StartOfBurst bool
	EndOfBurst   bool
}

// AsyncMetadata is the plain content of an async metadata object.
type AsyncMetadata struct {
	Channel     int
	HasTimeSpec bool
	FullSecs    int64
	FracSecs    float64
	Event       AsyncEventCode
}

// MetadataStore keeps metadata objects in host memory and implements
// MetadataDriver. Drivers embed it and fill objects with SetRx and SetAsync.
type MetadataStore struct {
	mu    sync.Mutex
	next  uintptr
	rx    map[RxMetadataHandle]*RxMetadata
	tx    map[TxMetadataHandle]*TxMetadata
	async map[AsyncMetadataHandle]*AsyncMetadata
}

func (s *MetadataStore) alloc() uintptr {
	if s.rx == nil {
		s.rx = make(map[RxMetadataHandle]*RxMetadata)
		s.tx = make(map[TxMetadataHandle]*TxMetadata)
		s.async = make(map[AsyncMetadataHandle]*AsyncMetadata)
	}
	s.next++
	return s.next
}

// SetRx replaces the content of a receive metadata object.
func (s *MetadataStore) SetRx(h RxMetadataHandle, md RxMetadata) Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.rx[h]
	if !ok {
		return StatusInvalidDevice
	}
	*cur = md
	return StatusNone
}

// Tx returns the content of a transmit metadata object.
func (s *MetadataStore) Tx(h TxMetadataHandle) (TxMetadata, Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.tx[h]
	if !ok {
		return TxMetadata{}, StatusInvalidDevice
	}
	return *cur, StatusNone
}

// SetAsync replaces the content of an async metadata object.
func (s *MetadataStore) SetAsync(h AsyncMetadataHandle, md AsyncMetadata) Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.async[h]
	if !ok {
		return StatusInvalidDevice
	}
	*cur = md
	return StatusNone
}

// Live returns the number of metadata objects not yet freed.
func (s *MetadataStore) Live() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rx) + len(s.tx) + len(s.async)
}

func (s *MetadataStore) RxMetadataMake() (RxMetadataHandle, Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h := RxMetadataHandle(s.alloc())
	s.rx[h] = &RxMetadata{}
	return h, StatusNone
}

func (s *MetadataStore) RxMetadataFree(h *RxMetadataHandle) Status {
	if h == nil || *h == 0 {
		return StatusNone
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rx[*h]; !ok {
		return StatusInvalidDevice
	}
	delete(s.rx, *h)
	*h = 0
	return StatusNone
}

func (s *MetadataStore) rxGet(h RxMetadataHandle) (RxMetadata, Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.rx[h]
	if !ok {
		return RxMetadata{}, StatusInvalidDevice
	}
	return *cur, StatusNone
}

func (s *MetadataStore) RxMetadataHasTimeSpec(h RxMetadataHandle) (bool, Status) {
	md, st := s.rxGet(h)
	return md.HasTimeSpec, st
}

func (s *MetadataStore) RxMetadataTimeSpec(h RxMetadataHandle) (int64, float64, Status) {
	md, st := s.rxGet(h)
	return md.FullSecs, md.FracSecs, st
}

func (s *MetadataStore) RxMetadataStartOfBurst(h RxMetadataHandle) (bool, Status) {
	md, st := s.rxGet(h)
	return md.StartOfBurst, st
}

func (s *MetadataStore) RxMetadataEndOfBurst(h RxMetadataHandle) (bool, Status) {
	md, st := s.rxGet(h)
	return md.EndOfBurst, st
}

func (s *MetadataStore) RxMetadataErrorCode(h RxMetadataHandle) (RxErrorCode, Status) {
	md, st := s.rxGet(h)
	return md.ErrorCode, st
}

func (s *MetadataStore) RxMetadataOutOfSequence(h RxMetadataHandle) (bool, Status) {
	md, st := s.rxGet(h)
	return md.OutOfSequence, st
}

func (s *MetadataStore) RxMetadataFragmentOffset(h RxMetadataHandle) (int, Status) {
	md, st := s.rxGet(h)
	return md.FragmentOffset, st
}

func (s *MetadataStore) RxMetadataMoreFragments(h RxMetadataHandle) (bool, Status) {
	md, st := s.rxGet(h)
	return md.MoreFragments, st
}

func (s *MetadataStore) TxMetadataMake(hasTimeSpec bool, fullSecs int64, fracSecs float64, startOfBurst, endOfBurst bool) (TxMetadataHandle, Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h := TxMetadataHandle(s.alloc())
	s.tx[h] = &TxMetadata{
		HasTimeSpec:  hasTimeSpec,
		FullSecs:     fullSecs,
		FracSecs:     fracSecs,
		StartOfBurst: startOfBurst,
		EndOfBurst:   endOfBurst,
	}
	return h, StatusNone
}

func (s *MetadataStore) TxMetadataFree(h *TxMetadataHandle) Status {
	if h == nil || *h == 0 {
		return StatusNone
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tx[*h]; !ok {
		return StatusInvalidDevice
	}
	delete(s.tx, *h)
	*h = 0
	return StatusNone
}

func (s *MetadataStore) TxMetadataHasTimeSpec(h TxMetadataHandle) (bool, Status) {
	md, st := s.Tx(h)
	return md.HasTimeSpec, st
}

func (s *MetadataStore) TxMetadataTimeSpec(h TxMetadataHandle) (int64, float64, Status) {
	md, st := s.Tx(h)
	return md.FullSecs, md.FracSecs, st
}

func (s *MetadataStore) TxMetadataStartOfBurst(h TxMetadataHandle) (bool, Status) {
	md, st := s.Tx(h)
	return md.StartOfBurst, st
}

func (s *MetadataStore) TxMetadataEndOfBurst(h TxMetadataHandle) (bool, Status) {
	md, st := s.Tx(h)
	return md.EndOfBurst, st
}

func (s *MetadataStore) AsyncMetadataMake() (AsyncMetadataHandle, Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h := AsyncMetadataHandle(s.alloc())
	s.async[h] = &AsyncMetadata{}
	return h, StatusNone
}

func (s *MetadataStore) AsyncMetadataFree(h *AsyncMetadataHandle) Status {
	if h == nil || *h == 0 {
		return StatusNone
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.async[*h]; !ok {
		return StatusInvalidDevice
	}
	delete(s.async, *h)
	*h = 0
	return StatusNone
}

func (s *MetadataStore) asyncGet(h AsyncMetadataHandle) (AsyncMetadata, Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.async[h]
	if !ok {
		return AsyncMetadata{}, StatusInvalidDevice
	}
	return *cur, StatusNone
}

func (s *MetadataStore) AsyncMetadataChannel(h AsyncMetadataHandle) (int, Status) {
	md, st := s.asyncGet(h)
	return md.Channel, st
}

func (s *MetadataStore) AsyncMetadataHasTimeSpec(h AsyncMetadataHandle) (bool, Status) {
	md, st := s.asyncGet(h)
	return md.HasTimeSpec, st
}

func (s *MetadataStore) AsyncMetadataTimeSpec(h AsyncMetadataHandle) (int64, float64, Status) {
	md, st := s.asyncGet(h)
	return md.FullSecs, md.FracSecs, st
}

func (s *MetadataStore) AsyncMetadataEventCode(h AsyncMetadataHandle) (AsyncEventCode, Status) {
	md, st := s.asyncGet(h)
	return md.Event, st
}
