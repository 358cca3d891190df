package layers

// Kind is the role a layer plays in the network
type Kind uint32

const (
	Input Kind = iota
	Hidden
	Output
	Target
)

func (k Kind) String() string {
	switch k {
	case Input:
		return "Input"
	case Hidden:
		return "Hidden"
	case Output:
		return "Output"
	case Target:
		return "Target"
	default:
		return "Unknown"
	}
}

// Type is the computation a layer performs
type Type uint32

const (
	FullyConnected Type = iota
	Convolutional
	Pooling
)

func (t Type) String() string {
	switch t {
	case FullyConnected:
		return "FullyConnected"
	case Convolutional:
		return "Convolutional"
	case Pooling:
		return "Pooling"
	default:
		return "Unknown"
	}
}

// Attributes is a bit set of layer properties
type Attributes uint32

const (
	AttributeNone      Attributes = 0
	AttributeSparse    Attributes = 1
	AttributeDenoising Attributes = 2
)

func (a Attributes) String() string {
	switch a {
	case AttributeNone:
		return "None"
	case AttributeSparse:
		return "Sparse"
	case AttributeDenoising:
		return "Denoising"
	case AttributeSparse | AttributeDenoising:
		return "Sparse|Denoising"
	default:
		return "Unknown"
	}
}

// Parallelization is how a layer's data is sharded across ranks
type Parallelization uint32

const (
	Data Parallelization = iota
	Model
	Serial
)

func (p Parallelization) String() string {
	switch p {
	case Data:
		return "Data"
	case Model:
		return "Model"
	case Serial:
		return "Serial"
	default:
		return "Unknown"
	}
}

// Activation selects the nonlinearity applied to a layer's units
type Activation uint32

const (
	Sigmoid Activation = iota
	Tanh
	RectifiedLinear
	Linear
	ParametricRectifiedLinear
	SoftPlus
	SoftSign
	SoftMax
	ReluMax
	LinearMax
	ExponentialLinear
)

func (a Activation) String() string {
	switch a {
	case Sigmoid:
		return "Sigmoid"
	case Tanh:
		return "Tanh"
	case RectifiedLinear:
		return "RectifiedLinear"
	case Linear:
		return "Linear"
	case ParametricRectifiedLinear:
		return "ParametricRectifiedLinear"
	case SoftPlus:
		return "SoftPlus"
	case SoftSign:
		return "SoftSign"
	case SoftMax:
		return "SoftMax"
	case ReluMax:
		return "ReluMax"
	case LinearMax:
		return "LinearMax"
	case ExponentialLinear:
		return "ExponentialLinear"
	default:
		return "Unknown"
	}
}

// WeightInit selects how Weight.Randomize fills a weight matrix
type WeightInit uint32

const (
	Xavier WeightInit = iota
	CaffeXavier
	Gaussian
	Uniform
	UnitBall
	Constant
)

func (w WeightInit) String() string {
	switch w {
	case Xavier:
		return "Xavier"
	case CaffeXavier:
		return "CaffeXavier"
	case Gaussian:
		return "Gaussian"
	case Uniform:
		return "Uniform"
	case UnitBall:
		return "UnitBall"
	case Constant:
		return "Constant"
	default:
		return "Unknown"
	}
}

// PoolingFunction selects what a pooling layer computes
type PoolingFunction uint32

const (
	PoolNone PoolingFunction = iota
	PoolMax
	PoolAverage
	PoolLRN
	PoolMaxout
	PoolStochastic
	PoolLCN
	PoolGlobalTemporal
)

func (p PoolingFunction) String() string {
	switch p {
	case PoolNone:
		return "None"
	case PoolMax:
		return "Max"
	case PoolAverage:
		return "Average"
	case PoolLRN:
		return "LRN"
	case PoolMaxout:
		return "Maxout"
	case PoolStochastic:
		return "Stochastic"
	case PoolLCN:
		return "LCN"
	case PoolGlobalTemporal:
		return "GlobalTemporal"
	default:
		return "Unknown"
	}
}

// ErrorFunction is the training cost
type ErrorFunction uint32

const (
	L1 ErrorFunction = iota
	L2
	CrossEntropy
	ScaledMarginalCrossEntropy
	DataScaledMarginalCrossEntropy
)

func (e ErrorFunction) String() string {
	switch e {
	case L1:
		return "L1"
	case L2:
		return "L2"
	case CrossEntropy:
		return "CrossEntropy"
	case ScaledMarginalCrossEntropy:
		return "ScaledMarginalCrossEntropy"
	case DataScaledMarginalCrossEntropy:
		return "DataScaledMarginalCrossEntropy"
	default:
		return "Unknown"
	}
}

// NetworkKind distinguishes plain feed-forward networks from autoencoders
type NetworkKind uint32

const (
	FeedForward NetworkKind = iota
	AutoEncoder
)

func (k NetworkKind) String() string {
	switch k {
	case FeedForward:
		return "FeedForward"
	case AutoEncoder:
		return "AutoEncoder"
	default:
		return "Unknown"
	}
}

// Mode is what a network is currently doing with its batches
type Mode uint32

const (
	Prediction Mode = iota
	Training
	Validation
)

func (m Mode) String() string {
	switch m {
	case Prediction:
		return "Prediction"
	case Training:
		return "Training"
	case Validation:
		return "Validation"
	default:
		return "Unknown"
	}
}

const (
	// Version is written to and checked against persisted networks
	Version float32 = 0.85

	// DefaultBatch is the batch size a network starts with
	DefaultBatch uint32 = 512

	MinError      float32 = 1.0e-12
	MinActivation float32 = 0.000001
	MaxActivation float32 = 0.999999
)
