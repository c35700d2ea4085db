package models

// ColumnType selects the parsing policy applied to raw per-row results of a computed column.
type ColumnType string

const (
	// ColumnText keeps the trimmed raw text verbatim.
	ColumnText ColumnType = "text"
	// ColumnNumber extracts the first signed decimal run from the text.
	ColumnNumber ColumnType = "number"
	// ColumnBoolean maps yes/true/1 answers to true and everything else to false.
	ColumnBoolean ColumnType = "boolean"
)

// RowStatus tracks whether a row of a compute job has received its result.
type RowStatus string

const (
	// RowPending means no result has arrived for the row yet.
	RowPending RowStatus = "pending"
	// RowDone means the row's value has been applied.
	RowDone RowStatus = "done"
)
