package server

// Messages of the verification service. Integer keys keep the CBOR
// encoding compact and stable across field renames.

type VerifyDexRequest struct {
	Location string `cbor:"1,keyasint"`
	Dex      []byte `cbor:"2,keyasint"`
}

type VerifyDexResponse struct {
	Location string         `cbor:"1,keyasint"`
	Classes  []ClassVerdict `cbor:"2,keyasint"`
	// Aborted is set when verification stopped at the first rejected
	// class; Classes then only covers the classes finished before it.
	Aborted bool `cbor:"3,keyasint,omitempty"`
	// Cached is set when the file had been verified by an earlier request.
	Cached bool `cbor:"4,keyasint,omitempty"`
}

type ClassVerdict struct {
	Descriptor string          `cbor:"1,keyasint"`
	Kind       string          `cbor:"2,keyasint"`
	Rejected   bool            `cbor:"3,keyasint,omitempty"`
	LinkError  string          `cbor:"4,keyasint,omitempty"`
	Methods    []MethodVerdict `cbor:"5,keyasint,omitempty"`
}

type MethodVerdict struct {
	Index     uint32   `cbor:"1,keyasint"`
	Name      string   `cbor:"2,keyasint"`
	Signature string   `cbor:"3,keyasint"`
	Kind      string   `cbor:"4,keyasint"`
	Failures  []string `cbor:"5,keyasint,omitempty"`
	Compiled  bool     `cbor:"6,keyasint,omitempty"`
}

type GetVerifiedMethodRequest struct {
	Location    string `cbor:"1,keyasint"`
	MethodIndex uint32 `cbor:"2,keyasint"`
}

type GetVerifiedMethodResponse struct {
	Found        bool     `cbor:"1,keyasint"`
	Method       string   `cbor:"2,keyasint,omitempty"`
	Failures     string   `cbor:"3,keyasint,omitempty"`
	RuntimeThrow bool     `cbor:"4,keyasint,omitempty"`
	Candidate    bool     `cbor:"5,keyasint,omitempty"`
	Compilable   bool     `cbor:"6,keyasint,omitempty"`
	SafeCastPCs  []uint32 `cbor:"7,keyasint,omitempty"`
}

type IsClassRejectedRequest struct {
	Location   string `cbor:"1,keyasint"`
	Descriptor string `cbor:"2,keyasint"`
}

type IsClassRejectedResponse struct {
	Rejected bool `cbor:"1,keyasint"`
}
