package engine

// Boundary symbol names as exported by the evaluator library. The wasm
// build of the evaluator exports the same names, so both loaders share
// this table.
const (
	symContextCreate = "nix_c_context_create"
	symContextFree   = "nix_c_context_free"
	symErrCode       = "nix_err_code"
	symErrMsg        = "nix_err_msg"
	symErrClear      = "nix_clear_err"

	symLibInit = "nix_libexpr_init"
	symVersion = "nix_version_get"

	symStoreOpen = "nix_store_open"
	symStoreFree = "nix_store_free"

	symStateCreate    = "nix_state_create"
	symStateFree      = "nix_state_free"
	symAllocValue     = "nix_alloc_value"
	symEvalFromString = "nix_expr_eval_from_string"
	symForceValue     = "nix_value_force"
	symGetKind        = "nix_get_type"
	symGetString      = "nix_get_string"
	symGetPathString  = "nix_get_path_string"
	symGetInt         = "nix_get_int"
	symGetBool        = "nix_get_bool"
	symGetFloat       = "nix_get_float"
	symGetListSize    = "nix_get_list_size"
	symGetAttrsSize   = "nix_get_attrs_size"

	symGCIncRef = "nix_gc_incref"
	symGCDecRef = "nix_gc_decref"
	symGCNow    = "nix_gc_now"

	symGCAllowRegisterThreads = "GC_allow_register_threads"
	symGCThreadIsRegistered   = "GC_thread_is_registered"
	symGCGetStackBase         = "GC_get_stack_base"
	symGCRegisterMyThread     = "GC_register_my_thread"
	symGCUnregisterMyThread   = "GC_unregister_my_thread"
)

// Auxiliary exports the wasm build must provide on top of the boundary
// symbols.
const (
	wasmExportMemory = "memory"
	wasmExportMalloc = "malloc"
	wasmExportFree   = "free"
)
