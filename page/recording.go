package page

// RecordingProvider wraps another Provider and counts GetPage/FreePage
// calls, letting tests assert invariant 4 ("after global outstanding
// reaches zero, no pages are held") directly as Live() == 0 instead of
// reaching into an allocator's internals.
type RecordingProvider struct {
	Provider
	gets  int
	frees int
}

// NewRecordingProvider wraps p.
func NewRecordingProvider(p Provider) *RecordingProvider {
	return &RecordingProvider{Provider: p}
}

func (r *RecordingProvider) GetPage() (*Page, error) {
	pg, err := r.Provider.GetPage()
	if err == nil {
		r.gets++
	}
	return pg, err
}

func (r *RecordingProvider) FreePage(p *Page) error {
	err := r.Provider.FreePage(p)
	if err == nil {
		r.frees++
	}
	return err
}

// Live returns get-calls minus free-calls: the number of pages currently
// held by whatever sits on top of this provider.
func (r *RecordingProvider) Live() int { return r.gets - r.frees }

// Gets returns the total number of successful GetPage calls observed.
func (r *RecordingProvider) Gets() int { return r.gets }

// Frees returns the total number of successful FreePage calls observed.
func (r *RecordingProvider) Frees() int { return r.frees }
