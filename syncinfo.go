package kauri

// SyncInfo carries whatever justification is available for the next
// proposal: a direct QC in the common case, or an AggregateQC formed
// during a view change.
type SyncInfo struct {
	qc    QuorumCert
	aggQC *AggregateQC
}

// NewSyncInfo returns an empty SyncInfo.
func NewSyncInfo() SyncInfo { return SyncInfo{} }

// WithQC attaches a QC and returns the updated SyncInfo.
func (si SyncInfo) WithQC(qc QuorumCert) SyncInfo {
	si.qc = qc
	return si
}

// WithAggQC attaches an AggregateQC and returns the updated SyncInfo.
func (si SyncInfo) WithAggQC(aggQC AggregateQC) SyncInfo {
	si.aggQC = &aggQC
	return si
}

// QC returns the attached QC, if any.
func (si SyncInfo) QC() (QuorumCert, bool) {
	return si.qc, si.qc != nil
}

// AggQC returns the attached AggregateQC, if any.
func (si SyncInfo) AggQC() (AggregateQC, bool) {
	if si.aggQC == nil {
		return AggregateQC{}, false
	}
	return *si.aggQC, true
}
