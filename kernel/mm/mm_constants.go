package mm

const (
	// PageShift is equal to log2(PageSize). This constant is used when
	// we need to convert a physical address to a page number (shift right by PageShift)
	// and vice-versa.
	PageShift = 12

	// PageSize defines the system's page size in bytes.
	PageSize = uint32(1 << PageShift)

	// FrameSize is the size of a physical frame; frames and pages have the
	// same size.
	FrameSize = PageSize

	// EntryShift is equal to log2 of the size of a page directory or page
	// table entry.
	EntryShift = 2

	// EntriesPerTable is the number of entries in a page directory or page
	// table.
	EntriesPerTable = PageSize >> EntryShift

	// TableCoverage is the number of bytes of address space translated by a
	// single page table.
	TableCoverage = EntriesPerTable * PageSize

	// BitsPerWord is the number of frames tracked by a single bitmap word.
	BitsPerWord = 32
)
